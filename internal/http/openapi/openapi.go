// Package openapi embeds the API description and the page that renders it.
package openapi

import _ "embed"

// YAML is the OpenAPI document served at /openapi.yaml.
//
//go:embed openapi.yaml
var YAML []byte

// DocsHTML is the Swagger UI page served at /docs; it loads /openapi.yaml.
//
//go:embed docs.html
var DocsHTML []byte
