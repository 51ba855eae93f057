// Package api embeds the OpenAPI description of the HTTP surface spec §6
// describes, served at GET /openapi.yaml by internal/web.
package api

import _ "embed"

//go:embed openapi.yaml
var OpenAPISpec []byte
