package authn

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AuthConfig is the credential entry resolved from a recipe's
// base/target auth field: a username plus a secret that may have arrived
// as a plain password or as a pre-encoded "auth" string.
//
// Username and Password may both be empty to access a registry
// anonymously.
type AuthConfig struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Auth is the base64("username:password") form, mirroring what a
	// docker config.json credential entry looks like on disk.
	Auth string `json:"auth,omitempty"`
}

// UnmarshalJSON decodes Auth into Username/Password if Auth was supplied
// instead of them directly.
func (auth *AuthConfig) UnmarshalJSON(data []byte) error {
	type shadowType AuthConfig
	var shadow shadowType
	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}
	*auth = AuthConfig(shadow)

	if shadow.Auth != "" {
		username, password, err := DecodeAuth(shadow.Auth)
		if err != nil {
			return fmt.Errorf("decode auth field: %w", err)
		}
		auth.Username, auth.Password = username, password
	} else if auth.Username != "" && auth.Password != "" {
		auth.Auth = EncodeAuth(auth.Username, auth.Password)
	}
	return nil
}

// MarshalJSON fills Auth from Username/Password when both are set, never
// the other way around, so serialized credential entries carry the
// redundant encoded form that external tooling expects.
func (auth AuthConfig) MarshalJSON() ([]byte, error) {
	type shadowType AuthConfig
	shadow := shadowType(auth)
	if shadow.Username != "" && shadow.Password != "" {
		shadow.Auth = EncodeAuth(shadow.Username, shadow.Password)
	}
	return json.Marshal(shadow)
}

// EncodeAuth base64-encodes "username:password".
func EncodeAuth(username, password string) string {
	if username == "" && password == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// DecodeAuth reverses EncodeAuth.
func DecodeAuth(authStr string) (username, password string, err error) {
	if authStr == "" {
		return "", "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(authStr)
	if err != nil {
		return "", "", err
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok || username == "" {
		return "", "", errors.New("invalid auth: expected base64(username:password)")
	}
	return username, strings.Trim(password, "\x00"), nil
}
