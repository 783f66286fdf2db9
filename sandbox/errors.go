package sandbox

import (
	"errors"
	"fmt"

	"github.com/martinemde/fixflow/errortrace"
)

var (
	ErrPathTraversal       = errors.New("path escapes allowed root")
	ErrPathNotFound        = errors.New("path not found")
	ErrFileNotFound        = fmt.Errorf("%w: file not found", ErrPathNotFound)
	ErrFileTooLarge        = errors.New("file exceeds size limit")
	ErrDecode              = errors.New("cannot decode file content")
	ErrWriteNotAllowed     = errors.New("write not allowed")
	ErrReadNotAllowed      = errors.New("read not permitted for this stage")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrEmptyContent        = fmt.Errorf("%w: content is empty", ErrInvalidArgument)
	ErrNotAFile            = fmt.Errorf("%w: not a regular file", ErrInvalidArgument)
	ErrNotADirectory       = fmt.Errorf("%w: not a directory", ErrInvalidArgument)
	ErrInvalidRange        = fmt.Errorf("%w: line range out of bounds", ErrInvalidArgument)
	ErrToolNotAvailable    = errors.New("tool not available")
)

// Error kinds reported in tool results and error events.
const (
	KindPathTraversal       = "PathTraversalError"
	KindPathNotFound        = "PathNotFoundError"
	KindFileNotFound        = "FileNotFoundError"
	KindFileTooLarge        = "FileTooLargeError"
	KindDecode              = "DecodeError"
	KindWriteNotAllowed     = "WriteNotAllowedError"
	KindReadNotAllowed      = "ReadNotAllowedError"
	KindTraceParse          = "TraceParseError"
	KindUnsupportedFileType = "UnsupportedFileTypeError"
	KindInvalidArgument     = "InvalidArgumentError"
	KindToolNotAvailable    = "ToolNotAvailableError"
	KindInternal            = "InternalError"
)

// Order matters: more specific errors wrap more general ones.
var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrFileNotFound, KindFileNotFound},
	{ErrPathNotFound, KindPathNotFound},
	{ErrPathTraversal, KindPathTraversal},
	{ErrFileTooLarge, KindFileTooLarge},
	{ErrDecode, KindDecode},
	{ErrWriteNotAllowed, KindWriteNotAllowed},
	{ErrReadNotAllowed, KindReadNotAllowed},
	{errortrace.ErrTraceParse, KindTraceParse},
	{ErrUnsupportedFileType, KindUnsupportedFileType},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrToolNotAvailable, KindToolNotAvailable},
}

// KindOf maps an error to its reported kind name.
func KindOf(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
