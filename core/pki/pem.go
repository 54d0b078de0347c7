// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package pki

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	pkcs1PublicType  = "RSA PUBLIC KEY"
	pkixPublicType   = "PUBLIC KEY"
	pkcs1PrivateType = "RSA PRIVATE KEY"
	pkcs8PrivateType = "PRIVATE KEY"
)

// PublicKeyFromPEM parses a PKCS#1 or PKIX PEM encoded RSA public key.
func PublicKeyFromPEM(s string) (*rsa.PublicKey, error) {
	blk, _ := pem.Decode([]byte(s))
	if blk == nil {
		return nil, errors.New("pki: no PEM block found")
	}

	switch blk.Type {
	case pkcs1PublicType:
		return x509.ParsePKCS1PublicKey(blk.Bytes)
	case pkixPublicType:
		k, err := x509.ParsePKIXPublicKey(blk.Bytes)
		if err != nil {
			return nil, err
		}
		pk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("pki: PEM key is %T, not RSA", k)
		}
		return pk, nil
	default:
		return nil, fmt.Errorf("pki: unexpected PEM block type '%v'", blk.Type)
	}
}

// PublicKeyToPEM encodes an RSA public key as a PKCS#1 PEM block.
func PublicKeyToPEM(k *rsa.PublicKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  pkcs1PublicType,
		Bytes: x509.MarshalPKCS1PublicKey(k),
	}))
}

// PrivateKeyFromPEMFile loads a PKCS#1 or PKCS#8 PEM encoded RSA private key.
func PrivateKeyFromPEMFile(f string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, fmt.Errorf("pki: no PEM block found in '%v'", f)
	}

	switch blk.Type {
	case pkcs1PrivateType:
		return x509.ParsePKCS1PrivateKey(blk.Bytes)
	case pkcs8PrivateType:
		k, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
		if err != nil {
			return nil, err
		}
		sk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("pki: '%v' holds a %T, not an RSA key", f, k)
		}
		return sk, nil
	default:
		return nil, fmt.Errorf("pki: unexpected PEM block type '%v'", blk.Type)
	}
}

// PrivateKeyToPEMFile writes an RSA private key as a PKCS#1 PEM file.
func PrivateKeyToPEMFile(f string, k *rsa.PrivateKey) error {
	b := pem.EncodeToMemory(&pem.Block{
		Type:  pkcs1PrivateType,
		Bytes: x509.MarshalPKCS1PrivateKey(k),
	})
	return os.WriteFile(f, b, 0600)
}
