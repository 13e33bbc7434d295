// Package pdf defines the optional PDF conversion collaborator consulted
// when a proxied response is application/pdf and the request asks for a
// conversion via the convert query parameter.
package pdf

import "context"

// Converter transforms a PDF payload into the requested format. Returns
// the converted bytes and their content type.
type Converter interface {
	Convert(ctx context.Context, pdf []byte, format string) ([]byte, string, error)
}

// Passthrough returns the PDF unchanged. It is the default collaborator
// when no converter is configured.
type Passthrough struct{}

func (Passthrough) Convert(_ context.Context, pdf []byte, _ string) ([]byte, string, error) {
	return pdf, "application/pdf", nil
}
