// Package docsafe stores users' documents encrypted on interchangeable
// storage backends.
//
// # Overview
//
// Every user owns a keystore sealed under two passwords. Documents are
// written as streaming envelopes encrypted with a key from that keystore, and
// their paths are encrypted segment by segment, so a backend only ever sees
// ciphertext. The same code runs over any absfs filesystem (fsstore) and over
// S3-compatible object stores (s3store).
//
// # Basic Usage
//
//	backend, _ := fsstore.New(fsstore.OS(), storage.MustParseUri("file:///var/lib/docsafe"))
//	svc, err := docsafe.New(backend, backend.Root(), docsafe.DefaultConfig())
//	if err != nil {
//	    panic(err)
//	}
//	defer svc.Close()
//
//	john := docsafe.NewUserIDAuth("john", "store-password", "key-password")
//	if _, err := svc.RegisterUser(ctx, john); err != nil {
//	    panic(err)
//	}
//
//	w, _ := svc.Write(ctx, john, "folder/report.pdf")
//	w.Write(data)
//	w.Close() // the document is published here
//
//	r, _ := svc.Read(ctx, john, "folder/report.pdf")
//	defer r.Close()
//
// # Passwords
//
// The store password opens the keystore container, the key password unwraps
// individual keys. Both are derived with Argon2id (or PBKDF2) and are
// supplied per call; they are never logged and never persisted.
//
// # Envelope Format
//
// A document starts with a plaintext header naming the cipher suite, the key
// alias and the chunk size, followed by independently authenticated chunks.
// Reading needs one chunk of memory regardless of document size. A wrong key,
// a tampered byte, a truncated or an extended envelope all fail with an
// integrity error and never release unauthenticated plaintext.
//
// # Security Considerations
//
// Protected Against:
//   - Reading documents or their names from the storage backend
//   - Undetected tampering, truncation or reordering of document content
//   - Offline brute force of the keystore (memory-hard key derivation)
//
// Not Protected Against:
//   - Metadata leakage (document sizes, directory shape, access patterns)
//   - Compromised hosts while documents are being read or written
package docsafe
