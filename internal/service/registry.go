package service

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/config"
	"github.com/0xt4cs/EphemeralMail/internal/domain"
	"github.com/0xt4cs/EphemeralMail/internal/storage"
)

var (
	ErrPrefixInvalid = errors.New("prefix invalid")
	// ErrGenerateExhausted 随机生成连续撞库，理论上几乎不可能发生
	ErrGenerateExhausted = errors.New("could not generate unique address")
)

// 随机本地部分的字母表，去掉了易混淆字符（0/o、1/l/i）。
const localPartAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// 随机本地部分长度。
const localPartLength = 12

// 随机生成的最大重试次数。
const maxGenerateAttempts = 5

// GenerateOutcome 标识一次地址生成走了哪条路径。
type GenerateOutcome string

const (
	// OutcomeCreated 新建了地址行
	OutcomeCreated GenerateOutcome = "created"
	// OutcomeClaimedExisting 认领了已存在的自定义前缀地址
	OutcomeClaimedExisting GenerateOutcome = "claimed_existing"
)

// GenerateResult 是一次地址生成的结果。
type GenerateResult struct {
	Address *domain.MailboxAddress
	Outcome GenerateOutcome
}

// AddressRegistry 管理一次性邮箱地址的命名空间：生成、唯一性、归属与投递统计。
type AddressRegistry struct {
	addresses storage.AddressRepository
	messages  storage.MessageRepository
	cfg       *config.Config
	validator *domain.EmailValidator
	log       *zap.Logger
}

// NewAddressRegistry 创建地址注册表服务。
func NewAddressRegistry(store storage.Store, cfg *config.Config, log *zap.Logger) *AddressRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &AddressRegistry{
		addresses: store,
		messages:  store,
		cfg:       cfg,
		validator: domain.NewEmailValidator(),
		log:       log,
	}
}

// Generate 生成或认领一个邮箱地址。
//
// 无前缀时随机生成并在撞库时换新值重试，永远不把冲突暴露给调用方。
// 自定义前缀撞上已存在的地址时，归属字段被覆写为请求方的会话与指纹，
// 返回原行（保留原 createdAt），结果标记为 ClaimedExisting，
// 让调用方和测试都能区分两条路径。
func (r *AddressRegistry) Generate(customPrefix, sessionID, fingerprint string) (*GenerateResult, error) {
	now := time.Now().UTC()

	if customPrefix != "" {
		prefix := strings.ToLower(strings.TrimSpace(customPrefix))
		if err := r.validator.ValidateLocalPart(prefix); err != nil {
			return nil, ErrPrefixInvalid
		}
		return r.createOrClaim(prefix, sessionID, fingerprint, now)
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		local, err := randomLocalPart()
		if err != nil {
			return nil, err
		}
		row := r.newAddressRow(local, sessionID, fingerprint, now)
		err = r.addresses.CreateAddress(row)
		if err == nil {
			return &GenerateResult{Address: row, Outcome: OutcomeCreated}, nil
		}
		if errors.Is(err, storage.ErrAddressExists) {
			continue // 撞库，换一个随机值
		}
		return nil, err
	}
	return nil, ErrGenerateExhausted
}

// createOrClaim 先尝试插入，唯一约束命中时路由到认领分支。
//
// 唯一约束是并发仲裁者：两个并发的同前缀请求中，落败的插入
// 被当作 "已存在" 处理，而不是向上抛裸错误。
func (r *AddressRegistry) createOrClaim(local, sessionID, fingerprint string, now time.Time) (*GenerateResult, error) {
	row := r.newAddressRow(local, sessionID, fingerprint, now)
	err := r.addresses.CreateAddress(row)
	if err == nil {
		return &GenerateResult{Address: row, Outcome: OutcomeCreated}, nil
	}
	if !errors.Is(err, storage.ErrAddressExists) {
		return nil, err
	}

	claimed, err := r.addresses.ClaimAddress(row.Address, sessionID, fingerprint, now)
	if err != nil {
		return nil, err
	}
	r.log.Info("existing address claimed",
		zap.String("address", claimed.Address),
		zap.String("session_id", sessionID),
	)
	return &GenerateResult{Address: claimed, Outcome: OutcomeClaimedExisting}, nil
}

func (r *AddressRegistry) newAddressRow(local, sessionID, fingerprint string, now time.Time) *domain.MailboxAddress {
	return &domain.MailboxAddress{
		ID:               uuid.NewString(),
		Address:          fmt.Sprintf("%s@%s", local, r.cfg.Mail.Domain),
		LocalPart:        local,
		Domain:           r.cfg.Mail.Domain,
		OwnerSessionID:   sessionID,
		OwnerFingerprint: fingerprint,
		IsActive:         true,
		CreatedAt:        now,
		LastUsedAt:       now,
	}
}

// VerifyOwnership 判断给定身份是否可读取该地址。
//
// 会话或指纹任一匹配即可（两个独立弱证明的逻辑或），仅用于读路径。
func (r *AddressRegistry) VerifyOwnership(address, sessionID, fingerprint string) (bool, error) {
	row, err := r.addresses.GetAddress(address)
	if err != nil {
		if errors.Is(err, storage.ErrAddressNotFound) {
			return false, nil
		}
		return false, err
	}
	if sessionID != "" && row.OwnerSessionID == sessionID {
		return true, nil
	}
	if fingerprint != "" && row.OwnerFingerprint == fingerprint {
		return true, nil
	}
	return false, nil
}

// VerifyWriteAccess 判断给定会话是否可删除该地址下的数据。
//
// 指纹可由客户端可观测信号推出，不足以授权破坏性操作，
// 写路径只认会话令牌。
func (r *AddressRegistry) VerifyWriteAccess(address, sessionID string) (bool, error) {
	row, err := r.addresses.GetAddress(address)
	if err != nil {
		if errors.Is(err, storage.ErrAddressNotFound) {
			return false, nil
		}
		return false, err
	}
	return sessionID != "" && row.OwnerSessionID == sessionID, nil
}

// ListForIdentity 返回身份名下的全部激活地址，最新在前。
func (r *AddressRegistry) ListForIdentity(sessionID, fingerprint string) ([]domain.MailboxAddress, error) {
	return r.addresses.ListAddressesForIdentity(sessionID, fingerprint)
}

// Info 返回地址行。
func (r *AddressRegistry) Info(address string) (*domain.MailboxAddress, error) {
	return r.addresses.GetAddress(address)
}

// RecordDelivery 记录一次成功投递：刷新统计，必要时自动建档。
func (r *AddressRegistry) RecordDelivery(address string) error {
	return r.addresses.TouchAddressDelivery(address, time.Now().UTC())
}

// IsOverQuota 判断地址是否已达单地址邮件上限。
func (r *AddressRegistry) IsOverQuota(address string) (bool, error) {
	count, err := r.messages.CountMessages(address)
	if err != nil {
		return false, err
	}
	return count >= r.cfg.Mail.MaxPerAddress, nil
}

// Availability 判断地址是否尚未被占用。
func (r *AddressRegistry) Availability(address string) (bool, error) {
	_, err := r.addresses.GetAddress(address)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, storage.ErrAddressNotFound) {
		return true, nil
	}
	return false, err
}

// ListAll 返回全部地址的分页快照（管理端）。
func (r *AddressRegistry) ListAll(page, pageSize int) ([]domain.MailboxAddress, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return r.addresses.ListAddresses((page-1)*pageSize, pageSize)
}

// randomLocalPart 生成加密随机的本地部分。
func randomLocalPart() (string, error) {
	out := make([]byte, localPartLength)
	max := big.NewInt(int64(len(localPartAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("random local part: %w", err)
		}
		out[i] = localPartAlphabet[n.Int64()]
	}
	return string(out), nil
}
