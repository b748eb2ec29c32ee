package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"buildsite/ledger"
	"buildsite/logger"
	"buildsite/metrics"
	"buildsite/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProjectPatch 项目创建/部分更新参数
// 未设置的字段保持原值；Clear 把可选字段清空
type ProjectPatch struct {
	Title       Field[string]
	Description Field[string]
	Location    Field[string]
	Type        Field[string]
	Status      Field[string]
	CustomerID  Field[uint]
	Budget      Field[decimal.Decimal]
	ActualCost  Field[decimal.Decimal]
	StartDate   Field[time.Time]
	EndDate     Field[time.Time]
	Progress    Field[int]
	Published   Field[bool]
	Notes       Field[string]

	// ExpectedVersion 非空时要求当前版本号一致，否则返回 ErrVersionConflict
	ExpectedVersion *uint

	Ledger ledger.Input
}

// UpdateResult 写入后的完整项目和账目同步结果
type UpdateResult struct {
	Project *models.Project `json:"project"`
	Ledger  *ledger.Report  `json:"ledger,omitempty"`
}

// ProjectQuery 项目列表查询条件
type ProjectQuery struct {
	Page      int
	PageSize  int
	Status    string
	Type      string
	Published *bool
	Keyword   string
}

// PublicProject 官网展示的项目，不含客户与财务数据
type PublicProject struct {
	ID          uint       `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
	Progress    int        `json:"progress"`
}

// ProjectService 项目服务
type ProjectService struct {
	db         *gorm.DB
	reconciler *ledger.Reconciler
	media      MediaStore
}

// NewProjectService 创建项目服务，media 为空时不删除媒体文件
func NewProjectService(db *gorm.DB, reconciler *ledger.Reconciler, media MediaStore) *ProjectService {
	if media == nil {
		media = NoopMediaStore{}
	}
	return &ProjectService{db: db, reconciler: reconciler, media: media}
}

// Create 创建项目，可同时写入账目
func (s *ProjectService) Create(ctx context.Context, patch ProjectPatch) (*UpdateResult, error) {
	if !patch.Title.IsSet() {
		return nil, validationf("项目名称不能为空")
	}
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	if err := checkDates(nil, nil, patch); err != nil {
		return nil, err
	}
	plan, err := s.prepareLedger(patch.Ledger)
	if err != nil {
		return nil, err
	}

	project := newProject(patch)
	result := &UpdateResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkCustomer(tx, patch.CustomerID); err != nil {
			return err
		}
		row := project
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if plan != nil {
			report, err := s.reconciler.Apply(ctx, tx, row.ID, plan)
			if err != nil {
				return err
			}
			result.Ledger = &report
		}
		loaded, err := loadProject(tx, row.ID)
		if err != nil {
			return err
		}
		result.Project = loaded
		return nil
	})
	s.recordLedger(patch.Ledger, err)
	if err != nil {
		return nil, translate(err)
	}

	logger.FromContext(ctx).Info("项目已创建", zap.Uint("project_id", result.Project.ID), zap.String("title", result.Project.Title))
	return result, nil
}

// Update 在一个事务中应用标量字段修改并同步账目，返回更新后的完整项目
func (s *ProjectService) Update(ctx context.Context, id uint, patch ProjectPatch) (*UpdateResult, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	plan, err := s.prepareLedger(patch.Ledger)
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 锁住项目行，同一项目的并发更新在此排队
		var current models.Project
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, id).Error; err != nil {
			return err
		}
		if patch.ExpectedVersion != nil && *patch.ExpectedVersion != current.Version {
			return ErrVersionConflict
		}
		if err := checkDates(current.StartDate, current.EndDate, patch); err != nil {
			return err
		}
		if err := checkCustomer(tx, patch.CustomerID); err != nil {
			return err
		}

		if plan != nil {
			report, err := s.reconciler.Apply(ctx, tx, id, plan)
			if err != nil {
				return err
			}
			result.Ledger = &report
		}

		updates := patchUpdates(patch)
		updates["version"] = gorm.Expr("version + 1")
		res := tx.Model(&models.Project{}).
			Where("id = ? AND version = ?", id, current.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}

		loaded, err := loadProject(tx, id)
		if err != nil {
			return err
		}
		result.Project = loaded
		return nil
	})
	s.recordLedger(patch.Ledger, err)
	if err != nil {
		err = translate(err)
		logger.FromContext(ctx).Warn("项目更新失败", zap.Uint("project_id", id), zap.Error(err))
		return nil, err
	}

	fields := []zap.Field{zap.Uint("project_id", id), zap.Uint("version", result.Project.Version)}
	if result.Ledger != nil {
		fields = append(fields, zap.Int("rejected_rows", len(result.Ledger.Rejected)))
	}
	logger.FromContext(ctx).Info("项目已更新", fields...)
	return result, nil
}

// Get 获取完整项目（客户、投资人分配、投资分期、支出明细）
func (s *ProjectService) Get(ctx context.Context, id uint) (*models.Project, error) {
	p, err := loadProject(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, translate(err)
	}
	return p, nil
}

// List 分页查询项目，不加载账目
func (s *ProjectService) List(ctx context.Context, q ProjectQuery) ([]models.Project, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Project{})
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if q.Type != "" {
		query = query.Where("type = ?", q.Type)
	}
	if q.Published != nil {
		query = query.Where("published = ?", *q.Published)
	}
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		like := "%" + kw + "%"
		query = query.Where("title LIKE ? OR location LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, size := normalizePage(q.Page, q.PageSize)
	var projects []models.Project
	err := query.Preload("Customer").
		Order("id DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&projects).Error
	if err != nil {
		return nil, 0, err
	}
	return projects, total, nil
}

// Delete 删除项目及其账目，事务提交后删除媒体文件
// 媒体文件删除失败只记录日志
func (s *ProjectService) Delete(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Project
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&p, id).Error; err != nil {
			return err
		}
		for _, owned := range []interface{}{
			&models.InvestmentInstallment{},
			&models.ProjectInvestor{},
			&models.ProjectExpense{},
		} {
			if err := tx.Where("project_id = ?", id).Delete(owned).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&models.Project{}, id).Error
	})
	if err != nil {
		return translate(err)
	}

	log := logger.FromContext(ctx)
	if _, err := s.media.DeleteProjectMedia(ctx, id); err != nil {
		log.Error("删除项目媒体文件失败", zap.Uint("project_id", id), zap.Error(err))
	}
	log.Info("项目已删除", zap.Uint("project_id", id))
	return nil
}

// ListPublished 官网项目列表
func (s *ProjectService) ListPublished(ctx context.Context, page, pageSize int, projectType string) ([]PublicProject, int64, error) {
	published := true
	projects, total, err := s.List(ctx, ProjectQuery{Page: page, PageSize: pageSize, Type: projectType, Published: &published})
	if err != nil {
		return nil, 0, err
	}
	list := make([]PublicProject, 0, len(projects))
	for i := range projects {
		list = append(list, toPublic(&projects[i]))
	}
	return list, total, nil
}

// GetPublished 官网项目详情，未发布的项目视为不存在
func (s *ProjectService) GetPublished(ctx context.Context, id uint) (*PublicProject, error) {
	var p models.Project
	err := s.db.WithContext(ctx).Where("id = ? AND published = ?", id, true).First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	pub := toPublic(&p)
	return &pub, nil
}

func (s *ProjectService) prepareLedger(in ledger.Input) (*ledger.Plan, error) {
	if in.Empty() {
		return nil, nil
	}
	plan, err := s.reconciler.Prepare(in)
	if err != nil {
		metrics.RecordReconciliation("rejected")
		return nil, translate(err)
	}
	return plan, nil
}

func (s *ProjectService) recordLedger(in ledger.Input, err error) {
	if in.Empty() {
		return
	}
	switch {
	case err == nil:
		metrics.RecordReconciliation("success")
	case errors.Is(err, ErrVersionConflict):
		metrics.RecordReconciliation("conflict")
	default:
		metrics.RecordReconciliation("failed")
	}
}

// loadProject 读取完整项目
// 投资分期按 (investor_id, installment_no) 排序，支出按 (expense_date DESC, created_at DESC) 排序
func loadProject(db *gorm.DB, id uint) (*models.Project, error) {
	var p models.Project
	err := db.
		Preload("Customer").
		Preload("Investors", func(db *gorm.DB) *gorm.DB {
			return db.Order("investor_id ASC")
		}).
		Preload("Investors.Investor").
		Preload("Investments", func(db *gorm.DB) *gorm.DB {
			return db.Order("investor_id ASC, installment_no ASC")
		}).
		Preload("Expenses", func(db *gorm.DB) *gorm.DB {
			return db.Order("expense_date DESC, created_at DESC, id ASC")
		}).
		First(&p, id).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func validatePatch(p ProjectPatch) error {
	if p.Title.IsSet() && strings.TrimSpace(p.Title.Value()) == "" {
		return validationf("项目名称不能为空")
	}
	if p.Status.IsSet() && !models.IsValidProjectStatus(p.Status.Value()) {
		return validationf("项目状态无效: %s", p.Status.Value())
	}
	if p.Progress.IsNull() {
		return validationf("进度不能清空")
	}
	if p.Progress.IsSet() {
		if v := p.Progress.Value(); v < 0 || v > 100 {
			return validationf("进度必须在 0-100 之间")
		}
	}
	if p.Published.IsNull() {
		return validationf("发布状态不能清空")
	}
	if p.Budget.IsSet() && !p.Budget.IsNull() {
		if err := ledger.CheckAmount(p.Budget.Value()); err != nil {
			return validationf("预算%v", err)
		}
	}
	if p.ActualCost.IsSet() && !p.ActualCost.IsNull() {
		if err := ledger.CheckAmount(p.ActualCost.Value()); err != nil {
			return validationf("实际成本%v", err)
		}
	}
	if p.CustomerID.IsSet() && !p.CustomerID.IsNull() && p.CustomerID.Value() == 0 {
		return validationf("客户 ID 无效")
	}
	return nil
}

// checkDates 合并现有日期和修改后检查结束日期不早于开始日期
func checkDates(start, end *time.Time, p ProjectPatch) error {
	start = mergeDate(start, p.StartDate)
	end = mergeDate(end, p.EndDate)
	if start != nil && end != nil && end.Before(*start) {
		return validationf("结束日期不能早于开始日期")
	}
	return nil
}

func mergeDate(current *time.Time, f Field[time.Time]) *time.Time {
	if !f.IsSet() {
		return current
	}
	if f.IsNull() {
		return nil
	}
	v := f.Value()
	return &v
}

func checkCustomer(tx *gorm.DB, f Field[uint]) error {
	if !f.IsSet() || f.IsNull() {
		return nil
	}
	var n int64
	if err := tx.Model(&models.Customer{}).Where("id = ?", f.Value()).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: 客户 %d 不存在", ErrNotFound, f.Value())
	}
	return nil
}

// patchUpdates 把已设置的字段转换为 Updates 使用的 map，清空的可选字段写入 NULL
func patchUpdates(p ProjectPatch) map[string]interface{} {
	updates := make(map[string]interface{})
	setString := func(column string, f Field[string]) {
		if f.IsSet() {
			updates[column] = strings.TrimSpace(f.Value())
		}
	}
	setString("title", p.Title)
	setString("description", p.Description)
	setString("location", p.Location)
	setString("type", p.Type)
	setString("status", p.Status)
	setString("notes", p.Notes)

	if p.CustomerID.IsSet() {
		if p.CustomerID.IsNull() {
			updates["customer_id"] = nil
		} else {
			updates["customer_id"] = p.CustomerID.Value()
		}
	}
	setMoney := func(column string, f Field[decimal.Decimal]) {
		if f.IsSet() {
			updates[column] = decimal.NullDecimal{Decimal: f.Value(), Valid: !f.IsNull()}
		}
	}
	setMoney("budget", p.Budget)
	setMoney("actual_cost", p.ActualCost)

	setDate := func(column string, f Field[time.Time]) {
		if f.IsSet() {
			updates[column] = mergeDate(nil, f)
		}
	}
	setDate("start_date", p.StartDate)
	setDate("end_date", p.EndDate)

	if p.Progress.IsSet() {
		updates["progress"] = p.Progress.Value()
	}
	if p.Published.IsSet() {
		updates["published"] = p.Published.Value()
	}
	return updates
}

func newProject(p ProjectPatch) models.Project {
	project := models.Project{
		Title:       strings.TrimSpace(p.Title.Value()),
		Description: strings.TrimSpace(p.Description.Value()),
		Location:    strings.TrimSpace(p.Location.Value()),
		Type:        strings.TrimSpace(p.Type.Value()),
		Status:      p.Status.Value(),
		Budget:      decimal.NullDecimal{Decimal: p.Budget.Value(), Valid: p.Budget.IsSet() && !p.Budget.IsNull()},
		ActualCost:  decimal.NullDecimal{Decimal: p.ActualCost.Value(), Valid: p.ActualCost.IsSet() && !p.ActualCost.IsNull()},
		StartDate:   mergeDate(nil, p.StartDate),
		EndDate:     mergeDate(nil, p.EndDate),
		Progress:    p.Progress.Value(),
		Published:   p.Published.Value(),
		Notes:       p.Notes.Value(),
		Version:     1,
	}
	if project.Status == "" {
		project.Status = models.ProjectStatusPlanning
	}
	if p.CustomerID.IsSet() && !p.CustomerID.IsNull() {
		id := p.CustomerID.Value()
		project.CustomerID = &id
	}
	return project
}

func toPublic(p *models.Project) PublicProject {
	return PublicProject{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Location:    p.Location,
		Type:        p.Type,
		Status:      p.Status,
		StartDate:   p.StartDate,
		EndDate:     p.EndDate,
		Progress:    p.Progress,
	}
}

// normalizePage 页码从 1 开始，每页默认 10 条，最多 100 条
func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
