// Package password hashes account passwords with Argon2id and encodes them in
// PHC string form:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Callers supply plaintext and receive encoded hashes; nothing here stores or
// logs either.
package password
