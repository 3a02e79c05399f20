package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrShortCiphertext 密文比 IV/Nonce 还短
var ErrShortCiphertext = errors.New("ciphertext too short")

// DeriveKey 将任意长度密码转换为 32 字节 AES-256 密钥
func DeriveKey(password string) []byte {
	hash := sha256.Sum256([]byte(password))
	return hash[:]
}

// Seal 加密内容: [16字节随机IV] + [AES-CTR 密文]
func Seal(plain, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}

	out := make([]byte, aes.BlockSize+len(plain))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("生成 IV 失败: %w", err)
	}

	cipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], plain)
	return out, nil
}

// Open 解密 Seal 的输出 (CTR 模式下加密和解密逻辑一样)
func Open(sealed, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}
	if len(sealed) < aes.BlockSize {
		return nil, ErrShortCiphertext
	}

	iv, body := sealed[:aes.BlockSize], sealed[aes.BlockSize:]
	out := make([]byte, len(body))
	cipher.NewCTR(block, iv).XORKeyStream(out, body)
	return out, nil
}

// EncryptName 加密文件名 (AES-GCM + Base64Url)
// Nonce 从明文派生，保证同一个名字总是得到同一个密文，远端才能按键查找
func EncryptName(plainName string, key []byte) (string, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceHash := sha256.Sum256([]byte(plainName))
	nonce := nonceHash[:aesGCM.NonceSize()]

	// Nonce 作为密文前缀，解密时才能恢复
	ciphertext := aesGCM.Seal(nonce, nonce, []byte(plainName), nil)
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// DecryptName 解密文件名
func DecryptName(encryptedName string, key []byte) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(encryptedName)
	if err != nil {
		return "", err
	}

	aesGCM, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", ErrShortCiphertext
	}

	plaintext, err := aesGCM.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
