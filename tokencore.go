// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package tokencore is the root of a token acquisition and caching library for
the Microsoft identity platform.

The importable surfaces live in sub-packages:

  - public: clients for applications running on a user's device
  - confidential: clients for services that can keep a secret
  - cache: the contract for persisting the token cache externally
  - broker: the contract an OS authentication broker implements
  - errors: typed errors and the error codes they carry

Both client types share one engine: a silent request answers from the token
cache when it can, redeems a cached refresh token when it must, and fails
with a classified error telling the caller what to do next.
*/
package tokencore
