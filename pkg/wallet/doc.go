/*
Package wallet implements the node's identity and payment key machinery on
BRC-42 key derivation.

One root secp256k1 key produces everything else. For a protocol, key id, and
counterparty, both sides derive the same child key offset from an ECDH shared
secret, so the payer can build a locking script only the payee can recognize
and spend:

	invoice  = "<securityLevel>-<protocol>-<keyID>"
	offset   = HMAC-SHA256(ECDH(self, counterparty), invoice)
	childKey = rootKey + offset

The special "anyone" counterparty (private key 1) makes signatures publicly
verifiable: signing with an empty counterparty binds the signature to the
signer's identity alone, and any holder of the identity key can check it.

Driver is the concrete implementation; Gateway is the narrow interface the
rest of the node programs against. Payments internalize by re-deriving the
expected destination from the sender's derivation prefix and suffix and
comparing it against the named output, so a transaction paying anyone else
is rejected without consulting a chain index.

Root keys at rest are either plaintext hex or passphrase-encrypted with
AES-256-GCM (EncryptRootKey / DecryptRootKey).
*/
package wallet
