package keystore

import (
	"fmt"
)

const redacted = "***"

// StorePassword unlocks a keystore container. Its textual forms are
// redacted.
type StorePassword struct {
	b []byte
}

// NewStorePassword copies s into a StorePassword.
func NewStorePassword(s string) StorePassword {
	return StorePassword{b: []byte(s)}
}

// IsEmpty reports whether no password was given.
func (p StorePassword) IsEmpty() bool { return len(p.b) == 0 }

// Wipe zeroes the password bytes in place.
func (p StorePassword) Wipe() { clear(p.b) }

func (p StorePassword) String() string   { return "StorePassword(" + redacted + ")" }
func (p StorePassword) GoString() string { return p.String() }

func (p StorePassword) Format(f fmt.State, _ rune) { fmt.Fprint(f, p.String()) }

// KeyPassword unwraps individual keys inside an open keystore. Its textual
// forms are redacted.
type KeyPassword struct {
	b []byte
}

// NewKeyPassword copies s into a KeyPassword.
func NewKeyPassword(s string) KeyPassword {
	return KeyPassword{b: []byte(s)}
}

// IsEmpty reports whether no password was given.
func (p KeyPassword) IsEmpty() bool { return len(p.b) == 0 }

// Wipe zeroes the password bytes in place.
func (p KeyPassword) Wipe() { clear(p.b) }

func (p KeyPassword) String() string   { return "KeyPassword(" + redacted + ")" }
func (p KeyPassword) GoString() string { return p.String() }

func (p KeyPassword) Format(f fmt.State, _ rune) { fmt.Fprint(f, p.String()) }

// Auth is the credential pair guarding one keystore.
type Auth struct {
	Store StorePassword
	Key   KeyPassword
}

// NewAuth builds an Auth from plain strings.
func NewAuth(store, key string) Auth {
	return Auth{Store: NewStorePassword(store), Key: NewKeyPassword(key)}
}

// Wipe zeroes both passwords.
func (a Auth) Wipe() {
	a.Store.Wipe()
	a.Key.Wipe()
}

// Access pairs an open keystore with the password for its keys.
type Access struct {
	Store *KeyStore
	Key   KeyPassword
}
