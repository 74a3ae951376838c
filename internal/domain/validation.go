package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrInvalidLocalPart = errors.New("invalid local part format")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// RFC 5322 长度限制
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var (
	// 本地部分：字母数字开头结尾，中间允许 . _ + -
	localPartRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

	// 域名（支持子域名）
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,61}[a-zA-Z0-9]?)*$`)
)

// EmailValidator 邮箱地址验证器
type EmailValidator struct{}

// NewEmailValidator 创建邮箱验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 完整验证邮箱地址
func (v *EmailValidator) ValidateEmail(email string) error {
	email = strings.TrimSpace(strings.ToLower(email))

	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}

	local, domain, ok := SplitAddress(email)
	if !ok {
		return ErrInvalidEmail
	}

	if err := v.ValidateLocalPart(local); err != nil {
		return err
	}
	return v.ValidateDomain(domain)
}

// ValidateLocalPart 验证本地部分（@ 前）
func (v *EmailValidator) ValidateLocalPart(local string) error {
	if local == "" || len(local) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if strings.Contains(local, "..") {
		return ErrInvalidLocalPart
	}
	if !localPartRegex.MatchString(local) {
		return ErrInvalidLocalPart
	}
	return nil
}

// ValidateDomain 验证域名部分
func (v *EmailValidator) ValidateDomain(domain string) error {
	if domain == "" || len(domain) > MaxDomainLength {
		return ErrInvalidDomain
	}
	if strings.Contains(domain, "..") {
		return ErrInvalidDomain
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// SplitAddress 将完整地址拆分为本地部分和域名。
func SplitAddress(address string) (local, domain string, ok bool) {
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// NormalizeAddress 去除尖括号与空白并转为小写。
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	address = strings.Trim(address, "<>")
	return strings.ToLower(address)
}
