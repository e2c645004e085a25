// Package admin serves the session pool's operational surface over gRPC.
//
// Operators start branches, fetch pairing artifacts, send test messages,
// disconnect and log out sessions through AdminService. Messages travel as
// CBOR using a codec registered with grpc under the "cbor" content subtype,
// so the service needs no generated protobuf code.
package admin
