package common

import "errors"

var (
	ErrFormat               = errors.New("invalid format")
	ErrCodec                = errors.New("codec error")
	ErrNotFound             = errors.New("path not found")
	ErrInvalidType          = errors.New("invalid path type")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrDirectoryNotEmpty    = errors.New("directory not empty")
)
