package llm

import (
	"testing"
)

func TestImageEncoding(t *testing.T) {
	img := &Image{Data: []byte("png!"), MIMEType: "image/png"}
	if got := img.Base64(); got != "cG5nIQ==" {
		t.Errorf("Base64() = %q", got)
	}
	if got := img.DataURL(); got != "data:image/png;base64,cG5nIQ==" {
		t.Errorf("DataURL() = %q", got)
	}
}
