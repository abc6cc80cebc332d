package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Project: ProjectConfig{
			Root: ".",
		},
		Filesystem: FilesystemConfig{
			AllowedExtensions: defaultAllowedExtensions(),
			BlockedDirs:       []string{"node_modules", ".git", "dist", "build", ".next", "vendor", "__pycache__"},
			BlockedFiles:      []string{"package.json", "package-lock.json", ".env", "drizzle.config.ts", "go.mod", "go.sum"},
			ProtectedPaths:    defaultProtectedPaths(),
			SearchDirs:        []string{"client/src", "server", "shared"},
			MaxSearchResults:  50,
		},
		Guardrail: GuardrailConfig{
			Enabled:           true,
			BlockedPaths:      []string{"node_modules", ".git", "vendor", ".env"},
			AllowedDirs:       []string{"client/src", "server", "shared"},
			MaxContentBytes:   100000,
			DangerousPatterns: defaultDangerousPatterns(),
		},
		Command: CommandConfig{
			AllowedPrefixes:     defaultAllowedPrefixes(),
			BlockedTerms:        []string{"rm", "rmdir", "mv", "cp", "chmod", "chown", "sudo", "curl", "wget", "ssh"},
			DefaultTimeoutMs:    30000,
			MaxTimeoutMs:        60000,
			MaxOutputBytes:      10000,
			TypecheckCommand:    []string{"npx", "tsc", "--noEmit"},
			TypecheckTimeoutSec: 120,
		},
		Git: GitConfig{
			MinMessageLength: 5,
		},
		GitHub: GitHubConfig{
			Enabled:              false,
			DefaultBranch:        "main",
			MaxFilesPerFocusPath: 20,
			TimeoutSec:           30,
		},
		BI: BIConfig{
			Enabled:          false,
			URL:              "http://localhost:3000",
			TimeoutSec:       30,
			HealthTimeoutSec: 5,
			DefaultLimit:     100,
			PreviewRows:      20,
		},
		Governance: GovernanceConfig{
			DBPath: "~/.toolgov/governance.db",
		},
		RBAC: RBACConfig{
			DefaultPolicy: "allow",
			FailOpen:      true,
		},
		Audit: AuditConfig{
			Complete: true,
		},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
		API: APIConfig{
			Enabled:       false,
			Host:          "127.0.0.1",
			Port:          9090,
			RatePerMinute: 120,
			RateBurst:     20,
		},
	}
}

func defaultAllowedExtensions() []string {
	return []string{
		".ts", ".tsx", ".js", ".jsx", ".json", ".css", ".html", ".md", ".sql", ".py", ".php",
		".go", ".yaml", ".yml",
	}
}

func defaultProtectedPaths() []string {
	return []string{
		"server/routes.ts",
		"shared/schema.ts",
		"client/src/App.tsx",
		"client/src/main.tsx",
		"server/index.ts",
		"server/storage.ts",
		"db/index.ts",
	}
}

func defaultDangerousPatterns() []string {
	return []string{
		`process\.env\.[A-Z_]+\s*=`,
		`eval\s*\(`,
		`Function\s*\(`,
		`child_process`,
	}
}

func defaultAllowedPrefixes() []string {
	return []string{
		"npm run", "npx", "tsc", "node",
		"git status", "git diff", "git log", "git add", "git commit",
		"ls", "cat", "head", "tail", "grep", "find", "wc",
	}
}
