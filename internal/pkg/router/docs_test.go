package router

import (
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The served OpenAPI document must stay loadable and cover the installed
// routes; a drifting spec is worse than none.
func TestOpenAPIDocumentIsValidAndComplete(t *testing.T) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile("../../../public/docs/v1/openapi.yml")
	require.NoError(t, err)
	require.NoError(t, doc.Validate(loader.Context))

	expected := []string{
		"/ping",
		"/billing/webhook",
		"/billing/events/{id}",
		"/usage/check",
		"/usage",
		"/usage/breakdown",
		"/reservations",
		"/reservations/{id}",
		"/reservations/{id}/commit",
		"/reservations/{id}/release",
	}
	for _, path := range expected {
		assert.NotNil(t, doc.Paths.Find(path), "path %s missing from OpenAPI document", path)
	}

	webhook := doc.Paths.Find("/billing/webhook")
	require.NotNil(t, webhook)
	require.NotNil(t, webhook.Post)
	// The webhook must opt out of the API key scheme.
	require.NotNil(t, webhook.Post.Security)
	assert.Empty(t, *webhook.Post.Security)
}
