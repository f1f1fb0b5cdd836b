package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type JournalLine struct {
	AccountCode string
	Debit       int64
	Credit      int64
	Description string
}

// JournalBuilder collects lines for one entry. Post refuses anything that does not balance.
type JournalBuilder struct {
	TransactionKey string
	ReferenceType  string
	ReferenceId    int
	EntryDate      time.Time
	Description    string
	lines          []JournalLine
}

func NewJournalBuilder(transactionKey string, referenceType string, referenceId int, entryDate time.Time, description string) *JournalBuilder {
	return &JournalBuilder{
		TransactionKey: transactionKey,
		ReferenceType:  referenceType,
		ReferenceId:    referenceId,
		EntryDate:      entryDate,
		Description:    description,
	}
}

func (b *JournalBuilder) Debit(accountCode string, amount int64, description string) *JournalBuilder {
	b.lines = append(b.lines, JournalLine{AccountCode: accountCode, Debit: amount, Description: description})
	return b
}

func (b *JournalBuilder) Credit(accountCode string, amount int64, description string) *JournalBuilder {
	b.lines = append(b.lines, JournalLine{AccountCode: accountCode, Credit: amount, Description: description})
	return b
}

// CreditByAccount adds one credit line per account code in code order.
func (b *JournalBuilder) CreditByAccount(amounts map[string]int64, description string) *JournalBuilder {
	codes := make([]string, 0, len(amounts))
	for code := range amounts {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		b.Credit(code, amounts[code], description)
	}
	return b
}

func (b *JournalBuilder) Totals() (debit int64, credit int64) {
	for _, l := range b.lines {
		debit += l.Debit
		credit += l.Credit
	}
	return debit, credit
}

// Post writes the entry and moves the cached account balances. Zero lines are
// dropped; an entry left with no lines is not written and Post returns nil.
func (b *JournalBuilder) Post(tx *gorm.DB, logger *logrus.Logger) (*models.JournalEntry, error) {
	lines := make([]JournalLine, 0, len(b.lines))
	for _, l := range b.lines {
		if l.Debit < 0 || l.Credit < 0 || (l.Debit > 0 && l.Credit > 0) {
			return nil, models.ErrValidation("journal line for %s must carry one non-negative side", l.AccountCode)
		}
		if l.Debit == 0 && l.Credit == 0 {
			continue
		}
		lines = append(lines, l)
	}
	if len(lines) == 0 {
		return nil, nil
	}

	var debit, credit int64
	codes := make([]string, 0, len(lines))
	for _, l := range lines {
		debit += l.Debit
		credit += l.Credit
		codes = append(codes, l.AccountCode)
	}
	if debit != credit {
		err := models.NewProductionError(models.ErrKindUnbalancedPosting, "journal entry does not balance").
			WithDetail("transaction_key", b.TransactionKey).
			WithDetail("debit", debit).
			WithDetail("credit", credit)
		config.LogError(logger, "LedgerPosting.go", "Post", "balance check", lines, err)
		return nil, err
	}

	codes = utils.UniqueSlice(codes)
	var accounts []*models.GLAccount
	if err := tx.Where("code IN ?", codes).Find(&accounts).Error; err != nil {
		config.LogError(logger, "LedgerPosting.go", "Post", "load accounts", codes, err)
		return nil, err
	}
	accountByCode := make(map[string]*models.GLAccount, len(accounts))
	for _, a := range accounts {
		accountByCode[a.Code] = a
	}
	for _, code := range codes {
		if _, ok := accountByCode[code]; !ok {
			return nil, models.ErrNotFound("account", code)
		}
	}

	var createdBy int
	if userId, ok := utils.GetUserIdFromContext(tx.Statement.Context); ok {
		createdBy = userId
	}
	entry := models.JournalEntry{
		EntryDate:      b.EntryDate.UTC(),
		TransactionKey: b.TransactionKey,
		ReferenceType:  b.ReferenceType,
		ReferenceId:    b.ReferenceId,
		Description:    b.Description,
		TotalAmount:    debit,
		CreatedBy:      createdBy,
	}
	if err := tx.Omit("Lines").Create(&entry).Error; err != nil {
		config.LogError(logger, "LedgerPosting.go", "Post", "create journal entry", entry, err)
		return nil, err
	}

	for _, l := range lines {
		line := &models.JournalEntryLine{
			JournalEntryId: entry.ID,
			AccountCode:    l.AccountCode,
			Debit:          l.Debit,
			Credit:         l.Credit,
			Description:    l.Description,
		}
		if err := tx.Create(line).Error; err != nil {
			config.LogError(logger, "LedgerPosting.go", "Post", "create journal line", line, err)
			return nil, err
		}
		entry.Lines = append(entry.Lines, line)

		delta := accountByCode[l.AccountCode].SignedAmount(l.Debit, l.Credit)
		if err := tx.Model(&models.GLAccount{}).
			Where("code = ?", l.AccountCode).
			Update("balance", gorm.Expr("balance + ?", delta)).Error; err != nil {
			config.LogError(logger, "LedgerPosting.go", "Post", "update account balance", l, err)
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"field":           "JournalBuilder",
		"transaction_key": b.TransactionKey,
		"journal_id":      entry.ID,
		"amount":          debit,
	}).Debug("journal entry posted")

	return &entry, nil
}

// LedgerBalanceByAccount recomputes each account's balance from its journal
// lines, in the account's normal-balance sign.
func LedgerBalanceByAccount(tx *gorm.DB) (map[string]int64, error) {
	var accounts []*models.GLAccount
	if err := tx.Find(&accounts).Error; err != nil {
		return nil, err
	}
	var lines []*models.JournalEntryLine
	if err := tx.Find(&lines).Error; err != nil {
		return nil, err
	}
	byCode := make(map[string]*models.GLAccount, len(accounts))
	balances := make(map[string]int64, len(accounts))
	for _, a := range accounts {
		byCode[a.Code] = a
		balances[a.Code] = 0
	}
	for _, l := range lines {
		account, ok := byCode[l.AccountCode]
		if !ok {
			return nil, fmt.Errorf("journal line %d references unknown account %s", l.ID, l.AccountCode)
		}
		balances[l.AccountCode] += account.SignedAmount(l.Debit, l.Credit)
	}
	return balances, nil
}
