// Package cloakfs is an encrypted block storage engine that presents a
// virtual directory tree over an untrusted storage medium.
//
// # Overview
//
// cloakfs stores every piece of data, file content and directory
// structure alike, as fixed-size encrypted blocks in a base directory on
// any absfs.FileSystem. An adversary who can read, modify, or replay the
// base directory learns nothing beyond the total number of blocks, and
// any tampering, rollback, or unauthorized deletion is detected on read
// against a local trust registry kept outside the base directory.
//
// # Supported Cipher Suites
//
//   - AES-256-GCM: Advanced Encryption Standard with 256-bit keys and
//     Galois/Counter Mode for authenticated encryption
//   - ChaCha20-Poly1305: Modern stream cipher with Poly1305 message
//     authentication
//   - XChaCha20-Poly1305: ChaCha20-Poly1305 with an extended 192-bit
//     nonce
//
// All suites provide authenticated encryption with associated data; the
// block identifier and the integrity header are bound as associated data
// so blocks cannot be swapped or replayed under a different identity.
//
// # Basic Usage
//
//	base := memfs.NewFS()
//	opts := cloakfs.Options{
//	    Base:    base,
//	    BaseDir: "/vault",
//	}
//
//	err := cloakfs.Create(opts, []byte("correct horse battery staple"))
//	if err != nil {
//	    panic(err)
//	}
//
//	fs, err := cloakfs.Mount(opts, []byte("correct horse battery staple"))
//	if err != nil {
//	    panic(err)
//	}
//	defer fs.Unmount()
//
//	fs.Mkdir("/docs")
//	fs.WriteFile("/docs/note.txt", []byte("stored encrypted"))
//
// # Security Considerations
//
// Protected against:
//   - Reading file content, names, or structure from the base directory
//   - Tampering with block content (authenticated encryption)
//   - Rolling a block back to an earlier version (per-block version
//     ledger)
//   - Swapping blocks between identities (identifier bound as AEAD
//     associated data)
//   - Replacing the whole filesystem at a known location
//
// Not protected against:
//   - An adversary observing the number of blocks or access patterns
//   - Compromise of the machine holding the local trust registry and the
//     passphrase
//
// The integrity policy flags in Options relax individual protections for
// recovery scenarios; see Options for the exact semantics of each flag.
package cloakfs
