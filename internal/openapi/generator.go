// Package openapi generates the OpenAPI 3.1 document for the keygate
// HTTP API: the decision endpoint, admin sessions, and key management.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// Generate builds the API document for a keygate instance served at
// baseURL.
func Generate(baseURL, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Keygate API",
			Description: "API key authentication and rate-limit decisions, plus the admin key management surface.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}

	registerSchemas(doc)
	doc.Paths = openapi3.NewPaths()

	addHealthPaths(doc)
	addDecidePath(doc)
	addSessionPaths(doc)
	addAdminPaths(doc)
	addKeyPaths(doc)
	addLimitPaths(doc)

	return doc
}

func registerSchemas(doc *openapi3.T) {
	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}

	doc.Components.Schemas["APIKey"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"key_id":              stringProp(""),
				"label":               stringProp(""),
				"user_id":             stringProp(""),
				"status":              enumProp("active", "inactive", "revoked", "expired"),
				"scopes":              stringArrayProp(),
				"rate_limit_override": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"ip_allow_list":       stringArrayProp(),
				"rotated_from":        stringProp(""),
				"grace_until":         stringProp("date-time"),
				"created_at":          stringProp("date-time"),
				"expires_at":          stringProp("date-time"),
				"last_used_at":        stringProp("date-time"),
			},
		},
	}

	doc.Components.Schemas["Decision"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"allowed":             &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
				"reason":              enumProp("invalid_credential", "key_expired", "key_revoked", "key_inactive", "ip_restricted", "insufficient_scope", "rate_limited", "store_unavailable"),
				"status_hint":         &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
				"key":                 openapi3.NewSchemaRef("#/components/schemas/APIKey", nil),
				"limit":               &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"remaining":           &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"reset_at":            stringProp("date-time"),
				"retry_after_seconds": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"algorithm":           enumProp("fixed_window", "sliding_window", "token_bucket"),
			},
		},
	}

	doc.Components.Schemas["CreateKeyResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"key":    openapi3.NewSchemaRef("#/components/schemas/APIKey", nil),
				"secret": stringProp(""),
			},
		},
	}
}

func addHealthPaths(doc *openapi3.T) {
	okSchema := &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"status": stringProp(""),
			},
		},
	}
	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"health"},
			Summary:     "Liveness probe",
			OperationID: "healthz",
			Responses:   newResponses("200", "Process is running", okSchema),
		},
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"health"},
			Summary:     "Readiness probe",
			Description: "Returns 200 when the key store and counter backend are reachable.",
			OperationID: "readyz",
			Responses:   newResponses("200", "All backends reachable", okSchema),
		},
	})
}

func addDecidePath(doc *openapi3.T) {
	reqSchema := &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"key_id", "secret"},
			Properties: openapi3.Schemas{
				"key_id":         stringProp(""),
				"secret":         stringProp(""),
				"ip":             stringProp(""),
				"endpoint":       stringProp(""),
				"required_scope": stringProp(""),
			},
		},
	}

	doc.Paths.Set("/api/v1/decide", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"decision"},
			Summary:     "Evaluate one request",
			Description: "Validates the credential, checks the key lifecycle, and runs the rate-limit rules. Always returns 200; callers enforce the verdict using allowed and status_hint.",
			OperationID: "decide",
			RequestBody: &openapi3.RequestBodyRef{
				Value: &openapi3.RequestBody{
					Required: true,
					Content:  openapi3.NewContentWithJSONSchemaRef(reqSchema),
				},
			},
			Responses: newResponses("200", "The decision",
				openapi3.NewSchemaRef("#/components/schemas/Decision", nil)),
		},
	})
}

func addSessionPaths(doc *openapi3.T) {
	reqSchema := &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"email", "password"},
			Properties: openapi3.Schemas{
				"email":    stringProp("email"),
				"password": stringProp("password"),
			},
		},
	}
	respSchema := &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"session_token": stringProp(""),
				"token_type":    stringProp(""),
				"expires_in":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
				"admin_id":      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"email":         stringProp("email"),
				"name":          stringProp(""),
			},
		},
	}

	doc.Paths.Set("/api/v1/system/admin/session", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Admin login",
			OperationID: "admin_login",
			RequestBody: &openapi3.RequestBodyRef{
				Value: &openapi3.RequestBody{
					Required: true,
					Content:  openapi3.NewContentWithJSONSchemaRef(reqSchema),
				},
			},
			Responses: newResponses("200", "Session token", respSchema),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Admin logout",
			OperationID: "admin_logout",
			Responses: newResponses("200", "Session invalidated", &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"object"}},
			}),
		},
	})
}

func addAdminPaths(doc *openapi3.T) {
	reqSchema := &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"email", "password"},
			Properties: openapi3.Schemas{
				"email":    stringProp("email"),
				"password": stringProp("password"),
				"name":     stringProp(""),
			},
		},
	}

	doc.Paths.Set("/api/v1/system/admin", &openapi3.PathItem{
		Post: secured(&openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Create admin account",
			OperationID: "create_admin",
			RequestBody: &openapi3.RequestBodyRef{
				Value: &openapi3.RequestBody{
					Required: true,
					Content:  openapi3.NewContentWithJSONSchemaRef(reqSchema),
				},
			},
			Responses: newResponses("201", "Created admin", &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"object"}},
			}),
		}),
	})
}

func addKeyPaths(doc *openapi3.T) {
	keyRef := openapi3.NewSchemaRef("#/components/schemas/APIKey", nil)
	createRef := openapi3.NewSchemaRef("#/components/schemas/CreateKeyResponse", nil)

	listSchema := &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"keys": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:  &openapi3.Types{"array"},
						Items: keyRef,
					},
				},
				"count": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
			},
		},
	}

	createSchema := &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"label"},
			Properties: openapi3.Schemas{
				"label":               stringProp(""),
				"user_id":             stringProp(""),
				"scopes":              stringArrayProp(),
				"rate_limit_override": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"ip_allow_list":       stringArrayProp(),
				"expires_at":          stringProp("date-time"),
			},
		},
	}

	doc.Paths.Set("/api/v1/system/api-key", &openapi3.PathItem{
		Get: secured(&openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "List API keys",
			OperationID: "list_api_keys",
			Responses:   newResponses("200", "All key records, newest first", listSchema),
		}),
		Post: secured(&openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Create API key",
			Description: "Mints a key pair. The secret appears in this response only and is never shown again.",
			OperationID: "create_api_key",
			RequestBody: &openapi3.RequestBodyRef{
				Value: &openapi3.RequestBody{
					Required: true,
					Content:  openapi3.NewContentWithJSONSchemaRef(createSchema),
				},
			},
			Responses: newResponses("201", "The new key and its secret", createRef),
		}),
	})

	keyIDParam := openapi3.Parameters{
		&openapi3.ParameterRef{
			Value: openapi3.NewPathParameter("keyId").
				WithDescription("The public key identifier (ak_ prefix).").
				WithSchema(openapi3.NewStringSchema()),
		},
	}

	doc.Paths.Set("/api/v1/system/api-key/{keyId}", &openapi3.PathItem{
		Get: secured(&openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Get API key",
			OperationID: "get_api_key",
			Parameters:  keyIDParam,
			Responses:   newResponses("200", "The key record", keyRef),
		}),
		Delete: secured(&openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Revoke API key",
			Description: "Irreversibly invalidates the key.",
			OperationID: "revoke_api_key",
			Parameters:  keyIDParam,
			Responses:   newResponses("200", "The revoked record", keyRef),
		}),
	})

	for _, action := range []struct {
		name, summary, desc string
		schema              *openapi3.SchemaRef
	}{
		{"activate", "Activate API key", "Re-enables a suspended key.", keyRef},
		{"deactivate", "Deactivate API key", "Suspends a key without destroying it.", keyRef},
		{"rotate", "Rotate API key", "Issues a replacement credential. The old key keeps validating until its grace window ends.", createRef},
	} {
		doc.Paths.Set("/api/v1/system/api-key/{keyId}/"+action.name, &openapi3.PathItem{
			Post: secured(&openapi3.Operation{
				Tags:        []string{"keys"},
				Summary:     action.summary,
				Description: action.desc,
				OperationID: action.name + "_api_key",
				Parameters:  keyIDParam,
				Responses:   newResponses("200", action.summary, action.schema),
			}),
		})
	}
}

func addLimitPaths(doc *openapi3.T) {
	doc.Paths.Set("/api/v1/system/limits", &openapi3.PathItem{
		Get: secured(&openapi3.Operation{
			Tags:        []string{"limits"},
			Summary:     "List rate-limit rules",
			Description: "Returns the active rules in evaluation order (global first).",
			OperationID: "list_limits",
			Responses: newResponses("200", "The configured rules", &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"object"}},
			}),
		}),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// secured marks an operation as requiring an admin bearer token.
func secured(op *openapi3.Operation) *openapi3.Operation {
	op.Security = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
	return op
}

func stringProp(format string) *openapi3.SchemaRef {
	s := &openapi3.Schema{Type: &openapi3.Types{"string"}}
	if format != "" {
		s.Format = format
	}
	return &openapi3.SchemaRef{Value: s}
}

func enumProp(values ...string) *openapi3.SchemaRef {
	s := &openapi3.Schema{Type: &openapi3.Types{"string"}}
	for _, v := range values {
		s.Enum = append(s.Enum, v)
	}
	return &openapi3.SchemaRef{Value: s}
}

func stringArrayProp() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
		},
	}
}

// newResponses builds a Responses map with a success response and standard
// error responses.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)

	badReqDesc := "Bad request"
	responses.Set("400", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &badReqDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
		},
	})

	unauthDesc := "Unauthorized"
	responses.Set("401", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &unauthDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
		},
	})

	notFoundDesc := "Not found"
	responses.Set("404", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &notFoundDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
		},
	})

	serverErrDesc := "Internal server error"
	responses.Set("500", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &serverErrDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
		},
	})

	return responses
}
