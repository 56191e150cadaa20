package directory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"throwbox/backend/internal/domain"
)

const (
	// cacheKeyPrefix 收件地址解析结果的缓存键前缀
	cacheKeyPrefix = "inbox:addr:"
	// cacheTimeout 缓存操作的超时上限。缓存慢于这个值就直接打数据库，
	// 不让 Redis 抖动拖垮收信路径。
	cacheTimeout = 500 * time.Millisecond
	// maxCacheTTL 缓存条目的最长生存时间
	maxCacheTTL = 5 * time.Minute
)

// Resolution 是一次收件地址解析的结果。
// 要么命中一个活跃邮箱，要么命中一个转发别名，二者互斥。
type Resolution struct {
	// 邮箱命中时填充
	MailboxID    string    `json:"mailboxId,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	ForwardingTo string    `json:"forwardingTo,omitempty"`
	AutoReplyMsg string    `json:"autoReplyMsg,omitempty"`

	// 别名命中时填充：邮件不落库，直接中继到该地址
	AliasForwardTo string `json:"aliasForwardTo,omitempty"`
}

// IsAlias 返回该解析结果是否为转发别名
func (r *Resolution) IsAlias() bool {
	return r.AliasForwardTo != ""
}

// Directory 负责把收件地址解析到邮箱或别名。
// Redis 做 cache-aside，数据库是唯一事实来源。
type Directory struct {
	store domain.Store
	rdb   *goredis.Client
	log   *zap.Logger
}

// New 创建地址目录。rdb 传 nil 时禁用缓存（开发模式）。
func New(store domain.Store, rdb *goredis.Client, log *zap.Logger) *Directory {
	return &Directory{store: store, rdb: rdb, log: log}
}

// Resolve 解析收件地址。
//
// 查找顺序：缓存 → 邮箱表 → 别名表。已过期或失活的邮箱
// 等同于不存在，返回 ErrMailboxNotFound。
func (d *Directory) Resolve(ctx context.Context, localPart, domainName string) (*Resolution, error) {
	localPart = strings.ToLower(strings.TrimSpace(localPart))
	domainName = strings.ToLower(strings.TrimSpace(domainName))
	address := localPart + "@" + domainName

	if res := d.cacheGet(ctx, address); res != nil {
		// 缓存 TTL 不超过邮箱剩余生存期，但仍要复核过期时间，
		// 避免极限时刻命中已过期的条目
		if res.IsAlias() || res.ExpiresAt.After(time.Now()) {
			return res, nil
		}
		d.Invalidate(ctx, address)
	}

	now := time.Now()

	mailbox, err := d.store.GetMailboxByAddress(ctx, localPart, domainName)
	switch {
	case err == nil:
		if !mailbox.AcceptsMail(now) {
			return nil, domain.ErrMailboxNotFound
		}
		res := &Resolution{
			MailboxID: mailbox.ID,
			ExpiresAt: mailbox.ExpiresAt,
		}
		if mailbox.ForwardingTo != nil {
			res.ForwardingTo = *mailbox.ForwardingTo
		}
		if mailbox.AutoReplyMsg != nil {
			res.AutoReplyMsg = *mailbox.AutoReplyMsg
		}
		d.cacheSet(ctx, address, res, mailbox.RemainingLifetime(now))
		return res, nil

	case !errors.Is(err, domain.ErrMailboxNotFound):
		return nil, err
	}

	// 邮箱没有命中，回退到别名表
	alias, err := d.store.GetAliasByAddress(ctx, localPart, domainName)
	switch {
	case err == nil:
		res := &Resolution{AliasForwardTo: alias.ForwardTo}
		d.cacheSet(ctx, address, res, maxCacheTTL)
		return res, nil

	case errors.Is(err, domain.ErrAliasNotFound):
		return nil, domain.ErrMailboxNotFound

	default:
		return nil, err
	}
}

// Invalidate 清除一个地址的缓存条目（邮箱失活 / 配置变更时调用）
func (d *Directory) Invalidate(ctx context.Context, address string) {
	if d.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()

	if err := d.rdb.Del(ctx, cacheKeyPrefix+strings.ToLower(address)).Err(); err != nil {
		d.log.Warn("failed to invalidate directory cache",
			zap.String("address", address),
			zap.Error(err),
		)
	}
}

// cacheGet 读缓存。任何缓存故障都按未命中处理。
func (d *Directory) cacheGet(ctx context.Context, address string) *Resolution {
	if d.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()

	data, err := d.rdb.Get(ctx, cacheKeyPrefix+address).Bytes()
	if err != nil {
		if err != goredis.Nil {
			d.log.Warn("directory cache read failed, falling back to store",
				zap.String("address", address),
				zap.Error(err),
			)
		}
		return nil
	}

	var res Resolution
	if err := json.Unmarshal(data, &res); err != nil {
		return nil
	}
	return &res
}

// cacheSet 写缓存，TTL 取 5 分钟与邮箱剩余生存期中的较小值。
// 写失败只记日志，收信路径不依赖缓存可用。
func (d *Directory) cacheSet(ctx context.Context, address string, res *Resolution, remaining time.Duration) {
	if d.rdb == nil {
		return
	}

	ttl := maxCacheTTL
	if remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()

	if err := d.rdb.Set(ctx, cacheKeyPrefix+address, data, ttl).Err(); err != nil {
		d.log.Warn("directory cache write failed",
			zap.String("address", address),
			zap.Error(err),
		)
	}
}
