// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package grant holds types of grants issued by authorization servers.
package grant

const (
	AuthCode         = "authorization_code"
	RefreshToken     = "refresh_token"
	ClientCredential = "client_credentials"
	ClientAssertion  = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	JWTBearer        = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)
