package relay

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/logger"
)

var inviteLinkPattern = regexp.MustCompile(`(?i)^(?:https?://)?(?:www\.)?(?:t\.me|telegram\.me|telegram\.dog)/(?:\+|joinchat/)([A-Za-z0-9_-]+)/?$`)

// InviteHash 提取邀请链接中的 hash，不是邀请链接时返回 false
func InviteHash(identifier string) (string, bool) {
	identifier = strings.TrimSpace(identifier)
	if m := inviteLinkPattern.FindStringSubmatch(identifier); m != nil {
		return m[1], true
	}
	if strings.HasPrefix(identifier, "tg://join?invite=") {
		hash := strings.TrimPrefix(identifier, "tg://join?invite=")
		return hash, hash != ""
	}
	return "", false
}

// SourceStore 持久化规范来源 ID
type SourceStore interface {
	UpdateSource(ctx context.Context, chatID int64, source string) error
}

// Resolver 将频道配置中的来源标识解析为 Telegram 实体
type Resolver struct {
	source    network.Source
	dest      network.Destination
	store     SourceStore
	accountID int64
}

// NewResolver 创建解析器
func NewResolver(source network.Source, dest network.Destination, store SourceStore, accountID int64) *Resolver {
	return &Resolver{
		source:    source,
		dest:      dest,
		store:     store,
		accountID: accountID,
	}
}

// Lookup 解析标识并在需要时加入频道
func (r *Resolver) Lookup(ctx context.Context, identifier string) (*network.Entity, error) {
	entity, err := r.lookup(ctx, identifier)
	if err != nil {
		return nil, &models.ResolutionError{Identifier: identifier, Err: err}
	}

	if !entity.IsMember {
		if err := r.source.JoinChannel(ctx, entity); err != nil {
			logger.L().Warnf("Failed to join channel %d (%s), continuing: %v", entity.ID, entity.Title, err)
		} else {
			entity.IsMember = true
			logger.L().Infof("Joined channel %d (%s)", entity.ID, entity.Title)
		}
	}
	return entity, nil
}

func (r *Resolver) lookup(ctx context.Context, identifier string) (*network.Entity, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, errors.New("empty identifier")
	}

	hash, isInvite := InviteHash(identifier)
	if !isInvite {
		return r.source.ResolveEntity(ctx, identifier)
	}

	status, err := r.source.CheckInvite(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to check invite: %w", err)
	}
	if status.Entity != nil && status.Entity.IsMember {
		return status.Entity, nil
	}

	entity, err := r.source.ImportInvite(ctx, hash)
	if err == nil {
		return entity, nil
	}
	if !errors.Is(err, network.ErrAlreadyParticipant) {
		return nil, fmt.Errorf("failed to import invite: %w", err)
	}

	// 已是成员：在会话列表中按标题查找
	dialogs, err := r.source.Dialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dialogs: %w", err)
	}
	for _, d := range dialogs {
		if status.Title != "" && d.Title == status.Title {
			return d, nil
		}
	}
	return nil, fmt.Errorf("already a participant but no dialog titled %q", status.Title)
}

// Resolve 解析已注册频道的来源：持久化规范 ID，并按需同步名称与头像
func (r *Resolver) Resolve(ctx context.Context, channel *models.Channel, syncNow bool) (*network.Entity, error) {
	entity, err := r.Lookup(ctx, channel.Source)
	if err != nil {
		return nil, err
	}

	canonical := strconv.FormatInt(entity.ID, 10)
	if channel.Source != canonical {
		if err := r.store.UpdateSource(ctx, channel.ChatID, canonical); err != nil {
			logger.L().Warnf("Failed to persist canonical source for chat %d: %v", channel.ChatID, err)
		} else {
			logger.L().Infof("Source %q resolved to %s for chat %d", channel.Source, canonical, channel.ChatID)
			channel.Source = canonical
		}
	}

	if syncNow || channel.PhotoMode == models.PhotoModeAuto {
		r.SyncProfile(ctx, channel.ChatID, entity)
	}
	return entity, nil
}

// SyncProfile 将频道标题与头像同步到广播，失败只记录日志
func (r *Resolver) SyncProfile(ctx context.Context, chatID int64, entity *network.Entity) {
	info, err := r.dest.GetBasicChatInfo(ctx, r.accountID, chatID)
	if err != nil {
		logger.L().Warnf("Failed to read chat %d info: %v", chatID, err)
	} else if entity.Title != "" && info.Name != entity.Title {
		if err := r.dest.SetChatName(ctx, r.accountID, chatID, entity.Title); err != nil {
			logger.L().Warnf("Failed to rename chat %d: %v", chatID, err)
		} else {
			logger.L().Infof("Chat %d renamed to %q", chatID, entity.Title)
		}
	}

	if !entity.HasPhoto {
		return
	}
	path, err := r.source.DownloadAvatar(ctx, entity)
	if err != nil {
		logger.L().Warnf("Failed to download avatar of %d: %v", entity.ID, err)
		return
	}
	if err := r.dest.SetChatAvatar(ctx, r.accountID, chatID, path); err != nil {
		logger.L().Warnf("Failed to set avatar of chat %d: %v", chatID, err)
	}
}

// CanonicalSource 标识是否已是规范数字 ID
func CanonicalSource(identifier string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(identifier), 10, 64)
	return id, err == nil
}
