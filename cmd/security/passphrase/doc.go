// Package passphrase derives token-sealing keys from a user passphrase.
//
// It uses Argon2id. The salt and cost parameters are kept next to the sealed
// data in a PHC-like spec string:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>
//
// Specs read back from storage are treated as untrusted input: derivation
// refuses parameters that exceed the configured costs by a wide margin.
package passphrase
