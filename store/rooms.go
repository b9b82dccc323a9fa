package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/BaSui01/agentroom/types"
)

// CreateRoom inserts the room and its owner membership in one transaction.
func (s *GormStore) CreateRoom(ctx context.Context, room *types.Room) error {
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return duplicate(err, "room", room.ID)
		}
		owner := &types.Member{
			RoomID:   room.ID,
			UserID:   room.OwnerID,
			Role:     types.MemberOwner,
			JoinedAt: room.CreatedAt,
		}
		return tx.Create(owner).Error
	})
}

// GetRoom loads a room by id.
func (s *GormStore) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	var room types.Room
	if err := s.db(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		return nil, notFound(err, "room", roomID)
	}
	return &room, nil
}

// AddMember registers a participant.
func (s *GormStore) AddMember(ctx context.Context, member *types.Member) error {
	if err := s.db(ctx).Create(member).Error; err != nil {
		return duplicate(err, "member", member.RoomID+"/"+member.UserID)
	}
	return nil
}

// GetMember loads one membership.
func (s *GormStore) GetMember(ctx context.Context, roomID, userID string) (*types.Member, error) {
	var m types.Member
	err := s.db(ctx).First(&m, "room_id = ? AND user_id = ?", roomID, userID).Error
	if err != nil {
		return nil, notFound(err, "member", roomID+"/"+userID)
	}
	return &m, nil
}

// IsRoomMember reports whether userID belongs to roomID.
func (s *GormStore) IsRoomMember(ctx context.Context, roomID, userID string) (bool, error) {
	_, err := s.GetMember(ctx, roomID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
