// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package daemon

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/wopr/pkg/werr"
	"github.com/AleutianAI/wopr/services/identity"
	"github.com/AleutianAI/wopr/services/provider"
)

func (d *Daemon) handleIdentityShow(c *gin.Context) {
	id := d.ident.Current()
	c.JSON(http.StatusOK, gin.H{
		"sign_pub":     id.SignPub,
		"encrypt_pub":  id.EncryptPub,
		"created":      id.Created,
		"rotated_from": id.RotatedFrom,
		"rotated_at":   id.RotatedAt,
	})
}

// handleIdentityRotate replaces the daemon keypair. Stored provider
// credentials are resealed under the new vault key, and a key-rotation
// envelope signed by the outgoing key is returned for each known peer
// so the operator can deliver them.
func (d *Daemon) handleIdentityRotate(c *gin.Context) {
	if !requireWriteScope(c) {
		return
	}

	old := *d.ident.Current()
	fresh, err := d.ident.Rotate()
	if err != nil {
		abortError(c, werr.Wrap(werr.Internal, err, "rotation failed"))
		return
	}

	vaultKey, err := d.ident.VaultKey()
	if err != nil {
		abortError(c, werr.Wrap(werr.Internal, err, "vault key derivation failed"))
		return
	}
	vault, err := provider.NewVault(vaultKey)
	if err != nil {
		abortError(c, werr.Wrap(werr.Internal, err, "vault rebuild failed"))
		return
	}
	if err := d.reg.Reseal(vault); err != nil {
		abortError(c, werr.Wrap(werr.Internal, err, "credential reseal failed"))
		return
	}

	payload := identity.KeyRotationPayload{
		NewSignPub:    fresh.SignPub,
		NewEncryptPub: fresh.EncryptPub,
		RotatedAt:     fresh.RotatedAt.UnixMilli(),
	}
	peers, err := d.store.ListPeers()
	if err != nil {
		abortError(c, err)
		return
	}
	envelopes := make([]*identity.Envelope, 0, len(peers))
	for _, peer := range peers {
		if peer.EncryptKey == "" {
			continue
		}
		env, serr := identity.SealAs(&old, identity.TypeKeyRotation, payload, peer.EncryptKey)
		if serr != nil {
			d.logger.Warn("rotation envelope seal failed",
				"peer", peer.PublicKey, "error", serr)
			continue
		}
		envelopes = append(envelopes, env)
	}

	c.JSON(http.StatusOK, gin.H{
		"sign_pub":           fresh.SignPub,
		"encrypt_pub":        fresh.EncryptPub,
		"rotated_from":       fresh.RotatedFrom,
		"rotation_envelopes": envelopes,
	})
}
