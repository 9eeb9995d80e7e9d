package weft

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocsCacheUnsetIs404(t *testing.T) {
	d := newDocsCache()
	resp := d.response()
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestDocsCacheServesSetHTML(t *testing.T) {
	d := newDocsCache()
	d.Set("<html>hi</html>")

	resp := d.response()
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "<html>hi</html>", string(resp.Body))
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func TestDocsCacheOverwritesPreviousHTML(t *testing.T) {
	d := newDocsCache()
	d.Set("<html>v1</html>")
	d.Set("<html>v2</html>")

	resp := d.response()
	assert.Equal(t, "<html>v2</html>", string(resp.Body))
}
