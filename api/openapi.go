// Package api holds the HTTP API description served and enforced by the
// router.
package api

import _ "embed"

// OpenAPI is the OpenAPI 3 document for the HTTP API, in YAML
//
//go:embed openapi.yaml
var OpenAPI []byte
