// Package tokens persists refresh tokens and their family lineage.
//
// Two backends implement Store: RedisStore keeps rows in hashes mutated only by
// Lua scripts, PostgresStore keeps them in a table mutated only by conditional
// UPDATE statements. In both, "revoke this row only if it is still unrevoked"
// is a single atomic step, which is what lets exactly one of several
// concurrent rotations of the same token succeed.
package tokens
