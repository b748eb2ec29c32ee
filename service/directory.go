package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"buildsite/logger"
	"buildsite/metrics"
	"buildsite/models"
	"buildsite/sequence"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ContactInput 客户/投资人的联系信息，创建和部分更新共用
type ContactInput struct {
	Name     Field[string] `json:"name"`
	Email    Field[string] `json:"email"`
	Phone    Field[string] `json:"phone"`
	Company  Field[string] `json:"company"`
	Address  Field[string] `json:"address"`
	Notes    Field[string] `json:"notes"`
	IsActive Field[bool]   `json:"is_active"`
}

func (in ContactInput) validate(creating bool) error {
	if creating && !in.Name.IsSet() {
		return validationf("名称不能为空")
	}
	if in.Name.IsSet() && strings.TrimSpace(in.Name.Value()) == "" {
		return validationf("名称不能为空")
	}
	return nil
}

// updates 已设置的字段；company 仅客户有
func (in ContactInput) updates(withCompany bool) map[string]interface{} {
	updates := make(map[string]interface{})
	set := func(column string, f Field[string]) {
		if f.IsSet() {
			updates[column] = strings.TrimSpace(f.Value())
		}
	}
	set("name", in.Name)
	set("email", in.Email)
	set("phone", in.Phone)
	set("address", in.Address)
	set("notes", in.Notes)
	if withCompany {
		set("company", in.Company)
	}
	if in.IsActive.IsSet() {
		updates["is_active"] = in.IsActive.Value()
	}
	return updates
}

// DirectoryQuery 客户/投资人列表查询条件
type DirectoryQuery struct {
	Page     int
	PageSize int
	Keyword  string
	Active   *bool
}

// identifierIssuer 在同一事务中生成编号并插入记录，编号冲突时整体重试
type identifierIssuer struct {
	db         *gorm.DB
	seq        *sequence.Sequencer
	maxRetries int
}

func (i identifierIssuer) create(ctx context.Context, kind sequence.Kind, insert func(tx *gorm.DB, no string) error) error {
	log := logger.FromContext(ctx)
	var err error
	for attempt := 0; attempt <= i.maxRetries; attempt++ {
		err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if attempt > 0 {
				if err := i.seq.Resync(ctx, tx, kind); err != nil {
					return err
				}
			}
			no, err := i.seq.Next(ctx, tx, kind)
			if err != nil {
				return err
			}
			return insert(tx, no)
		})
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
		metrics.RecordSequenceRetry(string(kind))
		log.Warn("编号冲突，重试", zap.String("kind", string(kind)), zap.Int("attempt", attempt+1))
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s 编号连续冲突 %d 次", ErrTransactionAborted, kind, i.maxRetries+1)
	}
	return translate(err)
}

// CustomerService 客户服务
type CustomerService struct {
	db     *gorm.DB
	issuer identifierIssuer
}

// NewCustomerService 创建客户服务
func NewCustomerService(db *gorm.DB, seq *sequence.Sequencer, maxRetries int) *CustomerService {
	return &CustomerService{db: db, issuer: identifierIssuer{db: db, seq: seq, maxRetries: maxRetries}}
}

// Create 创建客户并分配 CUS 编号
func (s *CustomerService) Create(ctx context.Context, in ContactInput) (*models.Customer, error) {
	if err := in.validate(true); err != nil {
		return nil, err
	}

	var created models.Customer
	err := s.issuer.create(ctx, sequence.KindCustomer, func(tx *gorm.DB, no string) error {
		c := models.Customer{
			CustomerNo: no,
			Name:       strings.TrimSpace(in.Name.Value()),
			Email:      strings.TrimSpace(in.Email.Value()),
			Phone:      strings.TrimSpace(in.Phone.Value()),
			Company:    strings.TrimSpace(in.Company.Value()),
			Address:    strings.TrimSpace(in.Address.Value()),
			Notes:      in.Notes.Value(),
			IsActive:   true,
		}
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
		// is_active 带默认值，false 需要单独写入
		if in.IsActive.IsSet() && !in.IsActive.Value() {
			if err := tx.Model(&c).Update("is_active", false).Error; err != nil {
				return err
			}
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("客户已创建", zap.Uint("customer_id", created.ID), zap.String("customer_no", created.CustomerNo))
	return &created, nil
}

// Get 获取客户
func (s *CustomerService) Get(ctx context.Context, id uint) (*models.Customer, error) {
	var c models.Customer
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// List 分页查询客户
func (s *CustomerService) List(ctx context.Context, q DirectoryQuery) ([]models.Customer, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Customer{})
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		like := "%" + kw + "%"
		query = query.Where("name LIKE ? OR customer_no LIKE ? OR email LIKE ? OR phone LIKE ? OR company LIKE ?",
			like, like, like, like, like)
	}
	if q.Active != nil {
		query = query.Where("is_active = ?", *q.Active)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := normalizePage(q.Page, q.PageSize)
	var list []models.Customer
	if err := query.Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Update 部分更新客户，编号不可修改
func (s *CustomerService) Update(ctx context.Context, id uint, in ContactInput) (*models.Customer, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if updates := in.updates(true); len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(c).Updates(updates).Error; err != nil {
			return nil, translate(err)
		}
	}
	return s.Get(ctx, id)
}

// Delete 删除客户，关联项目的 customer_id 置空
func (s *CustomerService) Delete(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Customer
		if err := tx.First(&c, id).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Project{}).Where("customer_id = ?", id).Update("customer_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&c).Error
	})
	if err != nil {
		return translate(err)
	}
	logger.FromContext(ctx).Info("客户已删除", zap.Uint("customer_id", id))
	return nil
}

// InvestorService 投资人服务
type InvestorService struct {
	db     *gorm.DB
	issuer identifierIssuer
}

// NewInvestorService 创建投资人服务
func NewInvestorService(db *gorm.DB, seq *sequence.Sequencer, maxRetries int) *InvestorService {
	return &InvestorService{db: db, issuer: identifierIssuer{db: db, seq: seq, maxRetries: maxRetries}}
}

// Create 创建投资人并分配 INV 编号
func (s *InvestorService) Create(ctx context.Context, in ContactInput) (*models.Investor, error) {
	if err := in.validate(true); err != nil {
		return nil, err
	}

	var created models.Investor
	err := s.issuer.create(ctx, sequence.KindInvestor, func(tx *gorm.DB, no string) error {
		inv := models.Investor{
			InvestorNo: no,
			Name:       strings.TrimSpace(in.Name.Value()),
			Email:      strings.TrimSpace(in.Email.Value()),
			Phone:      strings.TrimSpace(in.Phone.Value()),
			Address:    strings.TrimSpace(in.Address.Value()),
			Notes:      in.Notes.Value(),
			IsActive:   true,
		}
		if err := tx.Create(&inv).Error; err != nil {
			return err
		}
		if in.IsActive.IsSet() && !in.IsActive.Value() {
			if err := tx.Model(&inv).Update("is_active", false).Error; err != nil {
				return err
			}
		}
		created = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("投资人已创建", zap.Uint("investor_id", created.ID), zap.String("investor_no", created.InvestorNo))
	return &created, nil
}

// Get 获取投资人
func (s *InvestorService) Get(ctx context.Context, id uint) (*models.Investor, error) {
	var inv models.Investor
	if err := s.db.WithContext(ctx).First(&inv, id).Error; err != nil {
		return nil, translate(err)
	}
	return &inv, nil
}

// List 分页查询投资人
func (s *InvestorService) List(ctx context.Context, q DirectoryQuery) ([]models.Investor, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Investor{})
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		like := "%" + kw + "%"
		query = query.Where("name LIKE ? OR investor_no LIKE ? OR email LIKE ? OR phone LIKE ?", like, like, like, like)
	}
	if q.Active != nil {
		query = query.Where("is_active = ?", *q.Active)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := normalizePage(q.Page, q.PageSize)
	var list []models.Investor
	if err := query.Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Update 部分更新投资人，编号不可修改
func (s *InvestorService) Update(ctx context.Context, id uint, in ContactInput) (*models.Investor, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}
	inv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if updates := in.updates(false); len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(inv).Updates(updates).Error; err != nil {
			return nil, translate(err)
		}
	}
	return s.Get(ctx, id)
}

// Delete 删除投资人；仍被项目账目引用时返回 ErrInUse
func (s *InvestorService) Delete(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Investor
		if err := tx.First(&inv, id).Error; err != nil {
			return err
		}
		for _, ref := range []interface{}{&models.ProjectInvestor{}, &models.InvestmentInstallment{}} {
			var n int64
			if err := tx.Model(ref).Where("investor_id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: 投资人 %s 仍关联项目", ErrInUse, inv.InvestorNo)
			}
		}
		return tx.Delete(&inv).Error
	})
	if err != nil {
		return translate(err)
	}
	logger.FromContext(ctx).Info("投资人已删除", zap.Uint("investor_id", id))
	return nil
}
