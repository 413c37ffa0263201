/*
Package security provides laasd's AES-256-GCM encryption helpers.

# SecretsManager

SecretsManager seals and opens byte slices under its own 32-byte key.
NewSecretsManager takes the key directly and rejects any other length;
NewSecretsManagerFromPassword uses the SHA-256 of a non-empty password
as the key. EncryptSecret draws a fresh random nonce for every call and
returns nonce || ciphertext || tag; DecryptSecret splits the nonce back
off and fails if the input is shorter than a nonce, has been modified,
or was sealed under a different key. Both reject empty input.

# Process-wide key

SetInstanceEncryptionKey installs one 32-byte key for the whole
process; Encrypt and Decrypt seal and open data with it in the same
nonce-prepended format and fail while no key has been set. cmd/laasd
installs it at startup from the SHA-256 of LAASD_SECRETS_KEY.

DeriveKeyFromLabID returns the SHA-256 of a lab id, so the same id
always yields the same 32-byte key.

# Scope

The package holds no certificates and performs no TLS setup or secret
storage of its own.
*/
package security
