package gdal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoInput              = errors.New("no shapefiles matched")
	ErrNoFields             = errors.New("no usable fields")
	ErrEncodingUndetermined = errors.New("encoding could not be determined")
	ErrSchemaIntrospection  = errors.New("schema introspection failed")
)

// ToolError reports a failed ogrinfo/ogr2ogr invocation with its diagnostics.
type ToolError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed: %v: %s", e.Tool, e.Err, msg)
}

func (e *ToolError) Unwrap() error { return e.Err }

// lenient decodes tool diagnostics that may mix UTF-8 text with legacy-encoded paths.
func lenient(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
