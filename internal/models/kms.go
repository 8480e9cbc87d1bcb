package models

// KeyMaterial is the result of a completed key transaction. The key itself
// has already been deleted when a caller receives it.
type KeyMaterial struct {
	KeyID string
	IV    string
}

// PluginConfig is the JSON configuration file read by the KMS plugin.
type PluginConfig struct {
	APIKey            string `json:"smartkeyApiKey"`
	EncryptionKeyUUID string `json:"encryptionKeyUuid"`
	IV                string `json:"iv"`
	SocketFile        string `json:"socketFile"`
	URL               string `json:"smartkeyURL"`
}
