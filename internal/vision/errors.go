package vision

import "errors"

var (
	ErrInvalidVector    = errors.New("invalid embedding vector")
	ErrUnsupportedImage = errors.New("unsupported image encoding")
	ErrUnexpectedOutput = errors.New("unexpected model output")
	ErrInputShape       = errors.New("unsupported model input shape")
	ErrClosed           = errors.New("vision session closed")
)
