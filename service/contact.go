package service

import (
	"context"
	"strings"

	"buildsite/logger"
	"buildsite/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ContactMessageInput 官网联系表单
type ContactMessageInput struct {
	Name    string `json:"name" binding:"required,max=100"`
	Email   string `json:"email" binding:"required,email,max=100"`
	Phone   string `json:"phone" binding:"max=30"`
	Subject string `json:"subject" binding:"max=200"`
	Message string `json:"message" binding:"required,max=5000"`
}

// ContactQuery 留言列表查询条件
type ContactQuery struct {
	Page       int
	PageSize   int
	UnreadOnly bool
}

// ContactService 联系表单留言服务
type ContactService struct {
	db *gorm.DB
}

// NewContactService 创建留言服务
func NewContactService(db *gorm.DB) *ContactService {
	return &ContactService{db: db}
}

// Submit 保存一条留言
func (s *ContactService) Submit(ctx context.Context, in ContactMessageInput) (*models.ContactMessage, error) {
	msg := models.ContactMessage{
		Name:    strings.TrimSpace(in.Name),
		Email:   strings.TrimSpace(in.Email),
		Phone:   strings.TrimSpace(in.Phone),
		Subject: strings.TrimSpace(in.Subject),
		Message: strings.TrimSpace(in.Message),
	}
	if msg.Name == "" || msg.Email == "" || msg.Message == "" {
		return nil, validationf("姓名、邮箱和留言内容不能为空")
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, translate(err)
	}
	logger.FromContext(ctx).Info("收到联系留言", zap.Uint("message_id", msg.ID), zap.String("email", msg.Email))
	return &msg, nil
}

// List 分页查询留言，同时返回未读数
func (s *ContactService) List(ctx context.Context, q ContactQuery) ([]models.ContactMessage, int64, int64, error) {
	db := s.db.WithContext(ctx)

	var unread int64
	if err := db.Model(&models.ContactMessage{}).Where("is_read = ?", false).Count(&unread).Error; err != nil {
		return nil, 0, 0, err
	}

	query := db.Model(&models.ContactMessage{})
	if q.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, 0, err
	}

	page, size := normalizePage(q.Page, q.PageSize)
	var list []models.ContactMessage
	if err := query.Order("created_at DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&list).Error; err != nil {
		return nil, 0, 0, err
	}
	return list, total, unread, nil
}

// MarkRead 标记为已读，重复标记不报错
func (s *ContactService) MarkRead(ctx context.Context, id uint) error {
	db := s.db.WithContext(ctx)
	var msg models.ContactMessage
	if err := db.First(&msg, id).Error; err != nil {
		return translate(err)
	}
	if msg.IsRead {
		return nil
	}
	return translate(db.Model(&msg).Update("is_read", true).Error)
}

// Delete 删除留言
func (s *ContactService) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.ContactMessage{}, id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
