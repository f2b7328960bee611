package config

import (
	"fmt"
	"strings"
)

var supportedEngines = map[string]bool{
	"mysql":    true,
	"mongodb":  true,
	"postgres": true,
}

func (c *Config) Validate() error {
	if c.Version == 0 {
		return fmt.Errorf("config version must be > 0")
	}

	db := c.Database
	if db.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if !supportedEngines[db.Engine] {
		return fmt.Errorf("database.engine %q is not supported (mysql, mongodb, postgres)", db.Engine)
	}
	if db.ConnectionString != "" {
		if db.Engine != "mongodb" {
			return fmt.Errorf("database.connection_string is only supported for mongodb")
		}
		if !strings.HasPrefix(db.ConnectionString, "mongodb://") &&
			!strings.HasPrefix(db.ConnectionString, "mongodb+srv://") {
			return fmt.Errorf("database.connection_string must start with mongodb:// or mongodb+srv://")
		}
	} else {
		if db.Connection.Host == "" || db.Connection.Port == 0 || db.Connection.User == "" {
			return fmt.Errorf("database.connection is incomplete (host/port/user required)")
		}
	}

	if c.Store.Directory == "" {
		return fmt.Errorf("store.directory is required")
	}

	if c.Retention.MaxAgeDays < 0 || c.Retention.MaxCount < 0 {
		return fmt.Errorf("retention bounds must not be negative")
	}

	if c.Delivery.Enabled {
		switch c.Delivery.Type {
		case "s3":
			if c.Delivery.S3 == nil {
				return fmt.Errorf("delivery.s3 config missing")
			}
			if c.Delivery.S3.Bucket == "" || c.Delivery.S3.Region == "" {
				return fmt.Errorf("delivery.s3 bucket and region are required")
			}
			if c.Delivery.S3.AccessKey == "" || c.Delivery.S3.SecretKey == "" {
				return fmt.Errorf("delivery.s3 access_key and secret_key are required (or env expansion failed)")
			}
		case "ftp":
			if c.Delivery.FTP == nil {
				return fmt.Errorf("delivery.ftp config missing")
			}
			if c.Delivery.FTP.Host == "" {
				return fmt.Errorf("delivery.ftp.host is required")
			}
		default:
			return fmt.Errorf("delivery.type %q is not supported (s3, ftp)", c.Delivery.Type)
		}
	}

	for i, n := range c.Notifications {
		switch strings.ToLower(strings.TrimSpace(n.Type)) {
		case "email", "webhook":
		default:
			return fmt.Errorf("notifications[%d].type %q is not supported (email, webhook)", i, n.Type)
		}
	}

	if c.Run.ToolsURL != "" && c.Run.ToolsSHA256 == "" {
		return fmt.Errorf("run.tools_sha256 is required when run.tools_url is set")
	}

	if c.Vault != nil {
		if c.Vault.Address == "" || c.Vault.Path == "" {
			return fmt.Errorf("vault.address and vault.path are required when vault is configured")
		}
	}

	return nil
}
