package types

// Me is the authenticated account as returned by the GraphQL `me` query.
type Me struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	PublicKey  string         `json:"publicKey"`
	Xpub       string         `json:"xpub"`
	PublicKeys *PublicKeyList `json:"publicKeys"`
}

// PublicKeyList is the connection of non-revoked public keys.
type PublicKeyList struct {
	Nodes []PublicKeyNode `json:"nodes"`
}

// PublicKeyNode is one device or wallet key registered to the account.
type PublicKeyNode struct {
	ID                string `json:"id"`
	WalletType        string `json:"walletType"`
	SigningAddress    string `json:"signingAddress"`
	IdentityPublicKey string `json:"identityPublicKey"`
	EncryptedMnemonic string `json:"encryptedMnemonic"`
	Address           string `json:"address"`
}
