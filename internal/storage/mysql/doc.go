// Package mysql persists plugin credentials in MySQL. Secrets are sealed
// with AES-GCM before they reach the database; the row key is bound into
// the ciphertext so a secret cannot be replayed under another plugin.
package mysql
