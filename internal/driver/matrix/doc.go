// Package matrix is a driver.Driver backed by a Matrix homeserver.
//
// Each branch has its own bot account. On first start the bot logs in with
// its password and emits a pairing code; an operator completes pairing by
// sending that code to the bot in a DM. The resulting access token is sealed
// in the vault, so later starts restore it and go straight to authenticated.
//
// Customers talk to a branch by inviting its bot to a DM. The room ID is the
// customer address.
package matrix
