package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Session Gateway",
        "description": "Cookie sessions in front of a token issuing credential service",
        "version": "0.1.0"
    },
    "basePath": "/",
    "schemes": [
        "http",
        "https"
    ],
    "tags": [
        {"name": "Authentication", "description": "Login, logout and session status"},
        {"name": "Operations", "description": "Health, readiness and metrics"}
    ],
    "paths": {
        "/health": {
            "get": {
                "tags": ["Operations"],
                "summary": "Liveness check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/ready": {
            "get": {
                "tags": ["Operations"],
                "summary": "Readiness check",
                "description": "Checks the configured token store.",
                "responses": {
                    "200": {"description": "Ready"},
                    "503": {"description": "A dependency is unavailable"}
                }
            }
        },
        "/metrics": {
            "get": {
                "tags": ["Operations"],
                "summary": "Prometheus metrics",
                "produces": ["text/plain"],
                "responses": {
                    "200": {"description": "Metrics in the Prometheus exposition format"}
                }
            }
        },
        "/api/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Log in with email and password",
                "description": "Exchanges credentials for a session cookie. Form posts receive a 303 redirect to the landing page, or back to the login page with an error code.",
                "consumes": ["application/json", "application/x-www-form-urlencoded"],
                "produces": ["application/json"],
                "parameters": [
                    {
                        "in": "body",
                        "name": "payload",
                        "required": true,
                        "schema": {"$ref": "#/definitions/LoginRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "Logged in", "schema": {"$ref": "#/definitions/LoginEnvelope"}},
                    "303": {"description": "Redirect after a form post"},
                    "400": {"description": "Email or password missing", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Credentials provider disabled", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "502": {"description": "Credential service error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Credential service unreachable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/api/auth/logout": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Log out",
                "description": "Removes the session and clears the cookie. The refresh token is revoked in the background.",
                "responses": {
                    "204": {"description": "Logged out"},
                    "303": {"description": "Redirect to the login page after a form post"}
                }
            }
        },
        "/api/auth/session": {
            "get": {
                "tags": ["Authentication"],
                "summary": "Describe the current session",
                "description": "Resolves the session cookie and refreshes tokens when the access token has lapsed.",
                "parameters": [
                    {"in": "query", "name": "verify", "type": "boolean", "required": false, "description": "Confirm the access token with the credential service"}
                ],
                "responses": {
                    "200": {"description": "Session state", "schema": {"$ref": "#/definitions/SessionEnvelope"}},
                    "502": {"description": "Credential service error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Credential service unreachable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "required": ["email", "password"],
            "properties": {
                "email": {"type": "string", "format": "email"},
                "password": {"type": "string", "format": "password"}
            }
        },
        "LoginResponse": {
            "type": "object",
            "properties": {
                "redirect_to": {"type": "string"},
                "access_token_expires_at": {"type": "integer", "format": "int64"}
            }
        },
        "SessionResponse": {
            "type": "object",
            "properties": {
                "state": {"type": "string", "enum": ["unauthenticated", "authenticated", "needs_refresh", "expired"]},
                "authenticated": {"type": "boolean"},
                "refreshed": {"type": "boolean"},
                "verified": {"type": "boolean"},
                "access_token_expires_at": {"type": "integer", "format": "int64"},
                "refresh_token_expires_at": {"type": "integer", "format": "int64"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        },
        "LoginEnvelope": {
            "type": "object",
            "properties": {
                "data": {"$ref": "#/definitions/LoginResponse"}
            }
        },
        "SessionEnvelope": {
            "type": "object",
            "properties": {
                "data": {"$ref": "#/definitions/SessionResponse"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
