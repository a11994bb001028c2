package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed. The
// wallet private key never appears here because it is never stored on
// Config in the first place.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	if cfg.Redis != nil {
		r := *cfg.Redis
		redact(&r.Password)
		out.Redis = &r
	}

	if cfg.Postgres != nil {
		p := *cfg.Postgres
		redact(&p.DSN)
		out.Postgres = &p
	}

	if cfg.Trading.Assets != nil {
		out.Trading.Assets = make([]string, len(cfg.Trading.Assets))
		copy(out.Trading.Assets, cfg.Trading.Assets)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
