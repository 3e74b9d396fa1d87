package gen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codearena/internal/enum"
)

func TestValidateManifest_Valid(t *testing.T) {
	err := ValidateManifest(`{"name":"app","scripts":{"build":"next build","start":"next start"}}`)
	assert.NoError(t, err)
}

func TestValidateManifest_MissingFile(t *testing.T) {
	err := ValidateManifest("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required file")
}

func TestValidateManifest_MissingStartScript(t *testing.T) {
	err := ValidateManifest(`{"scripts":{"build":"next build"}}`)
	require.Error(t, err)
	var verr *ManifestValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateManifest_NotJSON(t *testing.T) {
	err := ValidateManifest("not json")
	require.Error(t, err)
}

func TestHasPageSource(t *testing.T) {
	assert.True(t, HasPageSource(map[string]string{
		"package.json": "{}",
		"pages/index.js": "x",
	}))
	assert.False(t, HasPageSource(map[string]string{
		"package.json": "{}",
	}))
}

func TestHTTPGateway_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "build a landing page", req.Prompt)
		assert.Equal(t, "openai", req.Provider)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(generateResponse{Files: map[string]string{"package.json": "{}"}})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "test-key")
	files, err := g.Generate(context.Background(), "build a landing page", enum.ProviderOpenAI, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "{}", files["package.json"])
}

func TestHTTPGateway_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "")
	_, err := g.Generate(context.Background(), "x", enum.ProviderOpenAI, "gpt-4o")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestFakeGateway_Default(t *testing.T) {
	f := &FakeGateway{}
	files, err := f.Generate(context.Background(), "x", enum.ProviderOpenAI, "gpt-4o")
	require.NoError(t, err)
	assert.NoError(t, ValidateManifest(files["package.json"]))
}
