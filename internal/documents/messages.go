package documents

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppendMessage persists a chat message after re-checking document access.
func (s *Service) AppendMessage(ctx context.Context, documentID, senderID, senderName, content string) (Message, error) {
	if s.db == nil {
		return Message{}, newServiceError(opAppendMessage, reasonMissingDatabase, errMissingDatabase)
	}
	body, err := normalizeMessage(content)
	if err != nil {
		return Message{}, s.fail(opAppendMessage, reasonInvalidInput, err)
	}
	document, err := s.HasAccess(ctx, documentID, senderID)
	if err != nil {
		return Message{}, err
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, s.fail(opAppendMessage, reasonIDFailed, err)
	}
	message := Message{
		MessageID:       messageID,
		DocumentID:      document.DocumentID,
		SenderID:        senderID,
		SenderName:      strings.TrimSpace(senderName),
		Content:         body,
		Kind:            MessageKindText,
		CreatedAtMillis: s.nowMillis(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, s.fail(opAppendMessage, reasonWriteFailed, err,
			zap.String(fieldDocumentID, document.DocumentID),
			zap.String("sender_id", senderID))
	}
	return message, nil
}

// appendSystemMessageTx records a server generated notice in the chat log.
func (s *Service) appendSystemMessageTx(tx *gorm.DB, documentID, actorID, content string) error {
	messageID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	message := Message{
		MessageID:       messageID,
		DocumentID:      documentID,
		SenderID:        actorID,
		Content:         content,
		Kind:            MessageKindSystem,
		CreatedAtMillis: s.nowMillis(),
	}
	return tx.Create(&message).Error
}

// ListMessages returns the most recent messages, oldest first.
func (s *Service) ListMessages(ctx context.Context, documentID, userID string, limit int) ([]Message, error) {
	if s.db == nil {
		return nil, newServiceError(opListMessages, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 || limit > DefaultMessageHistoryLimit {
		limit = DefaultMessageHistoryLimit
	}
	document, err := s.HasAccess(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where(queryDocumentID, document.DocumentID).
		Order("created_at_ms DESC, message_id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, s.fail(opListMessages, reasonQueryFailed, err, zap.String(fieldDocumentID, document.DocumentID))
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// DeleteMessage removes a message. Only its sender may delete it.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID string) error {
	if s.db == nil {
		return newServiceError(opDeleteMessage, reasonMissingDatabase, errMissingDatabase)
	}
	id, err := normalizeIdentifier("message id", messageID)
	if err != nil {
		return s.fail(opDeleteMessage, reasonInvalidInput, err)
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var message Message
		err := tx.Where("message_id = ?", id).Take(&message).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		if message.SenderID != userID {
			return ErrAccessDenied
		}
		return tx.Where("message_id = ?", id).Delete(&Message{}).Error
	})
	if txErr != nil {
		return s.fail(opDeleteMessage, reasonWriteFailed, txErr, zap.String("message_id", id))
	}
	return nil
}
