package api

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"buildsite/models"
	"buildsite/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ExportHandler 账目导出处理器
type ExportHandler struct {
	projects *service.ProjectService
}

// NewExportHandler 创建账目导出处理器
func NewExportHandler(projects *service.ProjectService) *ExportHandler {
	return &ExportHandler{projects: projects}
}

// 工作表名称
const (
	sheetInvestors    = "投资人"
	sheetInstallments = "分期付款"
	sheetExpenses     = "支出明细"
)

// ExportLedger 导出项目账目 Excel
// @Summary 导出项目账目
// @Description 投资人、分期付款、支出明细三张工作表，每张带合计行
// @Tags 项目管理
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security BearerAuth
// @Param id path int true "项目 ID"
// @Success 200 {file} file
// @Failure 404 {object} Response
// @Router /admin/projects/{id}/ledger/export [get]
func (h *ExportHandler) ExportLedger(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := h.projects.Get(c.Request.Context(), id)
	if err != nil {
		ServiceError(c, err, "获取项目失败")
		return
	}

	f, err := ledgerWorkbook(p)
	if err != nil {
		ServiceError(c, err, "生成 Excel 失败")
		return
	}
	defer f.Close()

	filename := fmt.Sprintf("项目账目_%d_%s.xlsx", p.ID, time.Now().Format("20060102"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(filename)))

	if err := f.Write(c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, Response{Code: http.StatusInternalServerError, Message: "生成 Excel 失败"})
		return
	}
}

// sheetStyles 表头、数据、合计行样式
type sheetStyles struct {
	header, data, summary int
}

func newSheetStyles(f *excelize.File) (sheetStyles, error) {
	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
	}
	center := &excelize.Alignment{Horizontal: "center", Vertical: "center"}

	var s sheetStyles
	var err error
	if s.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 12, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4F81BD"}, Pattern: 1},
		Alignment: center,
		Border:    border,
	}); err != nil {
		return s, err
	}
	if s.data, err = f.NewStyle(&excelize.Style{Alignment: center, Border: border}); err != nil {
		return s, err
	}
	s.summary, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"FFC000"}, Pattern: 1},
		Alignment: center,
		Border:    border,
	})
	return s, err
}

// sheetWriter 按行写入一张工作表
type sheetWriter struct {
	f      *excelize.File
	name   string
	cols   int
	styles sheetStyles
	row    int
}

func (w *sheetWriter) lastCol() string {
	return string(rune('A' + w.cols - 1))
}

func (w *sheetWriter) header(headers []string, widths []float64) {
	w.cols = len(headers)
	for i, h := range headers {
		col := string(rune('A' + i))
		w.f.SetColWidth(w.name, col, col, widths[i])
		cell := fmt.Sprintf("%s1", col)
		w.f.SetCellValue(w.name, cell, h)
		w.f.SetCellStyle(w.name, cell, cell, w.styles.header)
	}
	w.row = 1
}

func (w *sheetWriter) line(values ...interface{}) {
	w.row++
	for i, v := range values {
		w.f.SetCellValue(w.name, fmt.Sprintf("%c%d", 'A'+i, w.row), v)
	}
	w.f.SetCellStyle(w.name, fmt.Sprintf("A%d", w.row), fmt.Sprintf("%s%d", w.lastCol(), w.row), w.styles.data)
}

// summary 合计行：label 合并到金额列之前，金额列之后合并显示记录数
func (w *sheetWriter) summary(amountCol int, total decimal.Decimal, count int) {
	w.row++
	r := w.row
	amount := string(rune('A' + amountCol))
	w.f.SetCellValue(w.name, fmt.Sprintf("A%d", r), "合计")
	if amountCol > 1 {
		w.f.MergeCell(w.name, fmt.Sprintf("A%d", r), fmt.Sprintf("%c%d", 'A'+amountCol-1, r))
	}
	w.f.SetCellValue(w.name, fmt.Sprintf("%s%d", amount, r), total.InexactFloat64())
	if amountCol+1 < w.cols {
		next := string(rune('A' + amountCol + 1))
		w.f.SetCellValue(w.name, fmt.Sprintf("%s%d", next, r), fmt.Sprintf("共 %d 条记录", count))
		w.f.MergeCell(w.name, fmt.Sprintf("%s%d", next, r), fmt.Sprintf("%s%d", w.lastCol(), r))
	}
	w.f.SetCellStyle(w.name, fmt.Sprintf("A%d", r), fmt.Sprintf("%s%d", w.lastCol(), r), w.styles.summary)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// ledgerWorkbook 生成项目账目工作簿
func ledgerWorkbook(p *models.Project) (*excelize.File, error) {
	f := excelize.NewFile()
	styles, err := newSheetStyles(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.SetSheetName("Sheet1", sheetInvestors); err != nil {
		f.Close()
		return nil, err
	}
	for _, name := range []string{sheetInstallments, sheetExpenses} {
		if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, err
		}
	}

	names := make(map[uint]*models.Investor, len(p.Investors))
	for _, a := range p.Investors {
		names[a.InvestorID] = a.Investor
	}
	investorCells := func(id uint) (string, string) {
		if inv := names[id]; inv != nil {
			return inv.InvestorNo, inv.Name
		}
		return "", fmt.Sprintf("#%d", id)
	}

	w := &sheetWriter{f: f, name: sheetInvestors, styles: styles}
	w.header([]string{"投资人编号", "姓名", "投资金额"}, []float64{20, 20, 15})
	var total decimal.Decimal
	for _, a := range p.Investors {
		no, name := investorCells(a.InvestorID)
		var amount interface{}
		if a.InvestmentAmount.Valid {
			amount = a.InvestmentAmount.Decimal.InexactFloat64()
			total = total.Add(a.InvestmentAmount.Decimal)
		}
		w.line(no, name, amount)
	}
	w.summary(2, total, len(p.Investors))

	w = &sheetWriter{f: f, name: sheetInstallments, styles: styles}
	w.header([]string{"投资人编号", "姓名", "期数", "金额", "付款日期"}, []float64{20, 20, 8, 15, 15})
	total = decimal.Zero
	for _, inst := range p.Investments {
		no, name := investorCells(inst.InvestorID)
		w.line(no, name, inst.InstallmentNo, inst.Amount.InexactFloat64(), formatDate(inst.PaidAt))
		total = total.Add(inst.Amount)
	}
	w.summary(3, total, len(p.Investments))

	w = &sheetWriter{f: f, name: sheetExpenses, styles: styles}
	w.header([]string{"阶段", "类别", "项目", "金额", "币种", "日期", "备注"}, []float64{15, 15, 30, 15, 8, 15, 30})
	total = decimal.Zero
	for _, e := range p.Expenses {
		w.line(e.Phase, e.Category, e.Item, e.Amount.InexactFloat64(), e.Currency, formatDate(e.ExpenseDate), e.Notes)
		total = total.Add(e.Amount)
	}
	w.summary(3, total, len(p.Expenses))

	f.SetActiveSheet(0)
	return f, nil
}
