package safety

// Policy lists what the validator refuses. Matching is case-insensitive.
type Policy struct {
	DenyKeywords  []string
	DenyFunctions []string
	// DenyOperators are document query keys rejected at any depth.
	DenyOperators []string
	// DenyStages are aggregation stages that write.
	DenyStages               []string
	DenyCollectionPrefixes   []string
	AllowedDocumentOperation []string
}

func DefaultPolicy() Policy {
	return Policy{
		DenyKeywords: []string{
			"insert", "update", "delete", "drop", "truncate", "alter", "create",
			"grant", "revoke", "merge", "call", "exec", "execute", "copy",
			"vacuum", "reindex", "cluster", "lock", "into", "upsert",
		},
		DenyFunctions: []string{
			"pg_sleep", "pg_terminate_backend", "pg_cancel_backend",
			"pg_read_file", "pg_read_binary_file", "pg_ls_dir",
			"lo_import", "lo_export", "dblink", "dblink_exec",
			"set_config", "pg_reload_conf",
		},
		DenyOperators:            []string{"$where", "$function", "$accumulator", "$eval"},
		DenyStages:               []string{"$out", "$merge"},
		DenyCollectionPrefixes:   []string{"system."},
		AllowedDocumentOperation: []string{"find", "aggregate"},
	}
}

// WithKeywords returns a copy of p whose keyword deny set is replaced.
func (p Policy) WithKeywords(keywords []string) Policy {
	if len(keywords) == 0 {
		return p
	}
	p.DenyKeywords = append([]string(nil), keywords...)
	return p
}
