// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package redact decides which captured values must not leave the process,
// either because of the name of the variable holding them or because of their
// type.
package redact

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const typeCacheSize = 1024

// defaultRedactedIdentifiers is kept in normalized form.
var defaultRedactedIdentifiers = []string{
	"2fa", "accesstoken", "aiohttpsession", "apikey", "apisecret",
	"apisignature", "applicationkey", "auth", "authorization", "authtoken",
	"ccnumber", "certificatepin", "cipher", "clientid", "clientsecret",
	"connectionstring", "connectsid", "cookie", "credentials", "creditcard",
	"csrf", "csrftoken", "cvv", "databaseurl", "dburl", "encryptionkey",
	"encryptionkeyid", "geolocation", "gpgkey", "ipaddress", "jti", "jwt",
	"licensekey", "masterkey", "mysqlpwd", "nonce", "oauth", "oauthtoken",
	"otp", "passhash", "passwd", "password", "passwordb", "pemfile", "pgpkey",
	"phpsessid", "pin", "pincode", "pkcs8", "privatekey", "publickey", "pwd",
	"recaptchakey", "refreshtoken", "routingnumber", "salt", "secret",
	"secretkey", "secrettoken", "securityanswer", "securitycode",
	"securityquestion", "serviceaccountcredentials", "session", "sessid",
	"sessionid", "sessionkey", "setcookie", "signature", "signaturekey",
	"sshkey", "ssn", "symfony", "token", "tokensecret", "xapikey",
	"xauthtoken", "xcsrftoken", "xforwardedfor", "xrealip", "xsrf",
	"xsrftoken",
}

// Config lists the user adjustments to the default policy.
type Config struct {
	// RedactedIdentifiers are added to the default sensitive names.
	RedactedIdentifiers []string
	// ExcludedIdentifiers are removed from the sensitive names.
	ExcludedIdentifiers []string
	// RedactedTypes are type names whose values are never captured. A
	// trailing '*' matches any type name with that prefix.
	RedactedTypes []string
}

// Policy classifies identifiers and types as sensitive. It is safe for
// concurrent use.
type Policy struct {
	identifiers  map[string]struct{}
	exactTypes   map[string]struct{}
	typePrefixes []string
	typeCache    *lru.Cache[string, bool]
}

// NewPolicy builds a policy from the defaults adjusted by cfg.
func NewPolicy(cfg Config) *Policy {
	p := &Policy{
		identifiers: make(map[string]struct{}, len(defaultRedactedIdentifiers)),
		exactTypes:  make(map[string]struct{}),
	}
	for _, id := range defaultRedactedIdentifiers {
		p.identifiers[id] = struct{}{}
	}
	for _, id := range cfg.RedactedIdentifiers {
		p.identifiers[normalize(id)] = struct{}{}
	}
	for _, id := range cfg.ExcludedIdentifiers {
		delete(p.identifiers, normalize(id))
	}
	for _, t := range cfg.RedactedTypes {
		t = strings.TrimPrefix(strings.TrimSpace(t), "*")
		if t == "" {
			continue
		}
		if strings.HasSuffix(t, "*") {
			p.typePrefixes = append(p.typePrefixes, strings.TrimSuffix(t, "*"))
		} else {
			p.exactTypes[t] = struct{}{}
		}
	}
	// The size is a positive constant, New cannot fail.
	p.typeCache, _ = lru.New[string, bool](typeCacheSize)
	return p
}

// IsRedactedIdentifier reports whether a variable, argument or field called
// name holds sensitive data.
func (p *Policy) IsRedactedIdentifier(name string) bool {
	if p == nil || name == "" {
		return false
	}
	_, ok := p.identifiers[normalize(name)]
	return ok
}

// IsRedactedType reports whether values of the named type are sensitive.
// Pointer markers are ignored, so "*pkg.T" matches a rule for "pkg.T".
func (p *Policy) IsRedactedType(typeName string) bool {
	if p == nil || typeName == "" {
		return false
	}
	if len(p.exactTypes) == 0 && len(p.typePrefixes) == 0 {
		return false
	}
	if v, ok := p.typeCache.Get(typeName); ok {
		return v
	}
	v := p.classifyType(strings.TrimLeft(typeName, "*"))
	p.typeCache.Add(typeName, v)
	return v
}

func (p *Policy) classifyType(name string) bool {
	if _, ok := p.exactTypes[name]; ok {
		return true
	}
	for _, prefix := range p.typePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '$', '@':
			return -1
		}
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, name)
}
