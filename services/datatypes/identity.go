// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Identity is the daemon's long-lived keypair set. One per daemon:
// initialized once, rotated on demand, never deleted. Keys are hex-encoded.
type Identity struct {
	SignPub     string    `json:"sign_pub"`
	SignPriv    string    `json:"sign_priv"`
	EncryptPub  string    `json:"encrypt_pub"`
	EncryptPriv string    `json:"encrypt_priv"`
	Created     time.Time `json:"created"`
	RotatedFrom string    `json:"rotated_from,omitempty"`
	RotatedAt   time.Time `json:"rotated_at,omitempty"`
}
