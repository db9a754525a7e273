package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/cipher/ascon"
)

// Ascon-128 认证加密参数：128位密钥、128位nonce、128位认证标签
// 密文与标签合并传输（ciphertext || tag）
const (
	KeySize   = 16
	NonceSize = 16
	TagSize   = 16
)

var (
	// ErrInvalidKeyLength 密钥长度不是16字节（调用方错误，不做截断或填充）
	ErrInvalidKeyLength = errors.New("crypto: key must be 16 bytes")
	// ErrInvalidNonceLength nonce长度不是16字节
	ErrInvalidNonceLength = errors.New("crypto: nonce must be 16 bytes")
	// ErrAuthenticationFailed 认证标签校验失败，视为数据被篡改或密钥不匹配
	// 调用方必须丢弃该消息，禁止用相同输入重试
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// NewNonce 生成16字节加密随机nonce
// 同一密钥下nonce不可重复使用；随机生成在本系统消息量级下碰撞概率可忽略
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt 使用Ascon-128加密明文，返回（密文+标签, nonce）
// nonce为nil时自动生成；不使用关联数据（AAD为空），
// 完整性保护只覆盖密文本身，不覆盖信封元数据
func Encrypt(key, plaintext, nonce []byte) ([]byte, []byte, error) {
	if len(key) != KeySize {
		return nil, nil, ErrInvalidKeyLength
	}
	if nonce == nil {
		var err error
		nonce, err = NewNonce()
		if err != nil {
			return nil, nil, err
		}
	}
	if len(nonce) != NonceSize {
		return nil, nil, ErrInvalidNonceLength
	}

	aead, err := ascon.New(key, ascon.Ascon128)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create ascon cipher: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt 解密并校验Ascon-128密文
// 标签校验失败返回ErrAuthenticationFailed
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceLength
	}
	if len(ciphertext) < TagSize {
		return nil, ErrAuthenticationFailed
	}

	aead, err := ascon.New(key, ascon.Ascon128)
	if err != nil {
		return nil, fmt.Errorf("failed to create ascon cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
