package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"buildsite/models"
	"buildsite/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testDay = time.Date(2026, 10, 19, 10, 30, 0, 0, time.Local)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func next(t *testing.T, db *gorm.DB, s *Sequencer, kind Kind) string {
	t.Helper()
	var id string
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = s.Next(context.Background(), tx, kind)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "INV-20261019-007", Format(KindInvestor, testDay, 7))
	assert.Equal(t, "CUS-20261019-120", Format(KindCustomer, testDay, 120))
	assert.True(t, Pattern.MatchString(Format(KindCustomer, testDay, 1)))
	assert.False(t, Pattern.MatchString("INV-2026101-001"))
	assert.False(t, Pattern.MatchString("ABC-20261019-001"))
}

func TestDayRange(t *testing.T) {
	start, end := DayRange(testDay)
	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.Local), start)
	assert.Equal(t, 2026, end.Year())
	assert.Equal(t, 19, end.Day())
	assert.Equal(t, 23, end.Hour())
	assert.True(t, end.Add(time.Nanosecond).Equal(start.Add(24*time.Hour)))
}

func TestSequencer_DBCounter_Sequential(t *testing.T) {
	db := testutil.OpenDB(t)
	s := New(NewDBCounter(), WithClock(fixedClock(testDay)))

	assert.Equal(t, "INV-20261019-001", next(t, db, s, KindInvestor))
	assert.Equal(t, "INV-20261019-002", next(t, db, s, KindInvestor))
	assert.Equal(t, "INV-20261019-003", next(t, db, s, KindInvestor))

	// 不同类别独立计数
	assert.Equal(t, "CUS-20261019-001", next(t, db, s, KindCustomer))
}

func TestSequencer_DBCounter_SeedsFromExistingRows(t *testing.T) {
	db := testutil.OpenDB(t)
	yesterday := testDay.Add(-24 * time.Hour)
	require.NoError(t, db.Create(&[]models.Investor{
		{InvestorNo: "INV-20261019-001", Name: "甲", CreatedAt: testDay.Add(-time.Hour)},
		{InvestorNo: "INV-20261019-002", Name: "乙", CreatedAt: testDay.Add(-time.Minute)},
		{InvestorNo: "INV-20261018-001", Name: "丙", CreatedAt: yesterday},
	}).Error)

	s := New(NewDBCounter(), WithClock(fixedClock(testDay)))
	assert.Equal(t, "INV-20261019-003", next(t, db, s, KindInvestor))

	var row models.DailySequence
	require.NoError(t, db.Where("kind = ? AND day = ?", "INV", "20261019").First(&row).Error)
	assert.Equal(t, 3, row.Counter)
}

func TestSequencer_DBCounter_RollbackReleasesNumber(t *testing.T) {
	db := testutil.OpenDB(t)
	s := New(NewDBCounter(), WithClock(fixedClock(testDay)))
	assert.Equal(t, "CUS-20261019-001", next(t, db, s, KindCustomer))

	errAbort := errors.New("abort")
	err := db.Transaction(func(tx *gorm.DB) error {
		id, err := s.Next(context.Background(), tx, KindCustomer)
		require.NoError(t, err)
		assert.Equal(t, "CUS-20261019-002", id)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	assert.Equal(t, "CUS-20261019-002", next(t, db, s, KindCustomer))
}

func TestSequencer_DayRollover(t *testing.T) {
	db := testutil.OpenDB(t)
	now := testDay
	s := New(NewDBCounter(), WithClock(func() time.Time { return now }))

	assert.Equal(t, "INV-20261019-001", next(t, db, s, KindInvestor))
	assert.Equal(t, "INV-20261019-002", next(t, db, s, KindInvestor))

	now = testDay.Add(24 * time.Hour)
	assert.Equal(t, "INV-20261020-001", next(t, db, s, KindInvestor))
}

func TestSequencer_Exhausted(t *testing.T) {
	db := testutil.OpenDB(t)
	require.NoError(t, db.Create(&models.DailySequence{Kind: "CUS", Day: "20261019", Counter: MaxSequence}).Error)

	s := New(NewDBCounter(), WithClock(fixedClock(testDay)))
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := s.Next(context.Background(), tx, KindCustomer)
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSequenceExhausted))
}

func TestSequencer_UnknownKind(t *testing.T) {
	db := testutil.OpenDB(t)
	s := New(NewDBCounter())
	_, err := s.Next(context.Background(), db, Kind("XYZ"))
	assert.Error(t, err)
}

func TestRedisCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	db := testutil.OpenDB(t)
	require.NoError(t, db.Create(&models.Customer{CustomerNo: "CUS-20261019-001", Name: "甲", CreatedAt: testDay}).Error)

	s := New(NewRedisCounter(rdb), WithClock(fixedClock(testDay)))
	assert.Equal(t, "CUS-20261019-002", next(t, db, s, KindCustomer))
	assert.Equal(t, "CUS-20261019-003", next(t, db, s, KindCustomer))

	v, err := mr.Get("seq:CUS:20261019")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
	assert.True(t, mr.TTL("seq:CUS:20261019") > 0)
}

func TestRedisCounter_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	db := testutil.OpenDB(t)
	s := New(NewRedisCounter(rdb), WithClock(fixedClock(testDay)))
	_, err := s.Next(context.Background(), db, KindInvestor)
	assert.Error(t, err)
}

// 旧算法在两次发号之间没有插入时返回相同编号
func TestCountCounter_CollisionWindow(t *testing.T) {
	db := testutil.OpenDB(t)
	s := New(NewCountCounter(), WithClock(fixedClock(testDay)))

	first := next(t, db, s, KindInvestor)
	second := next(t, db, s, KindInvestor)
	assert.Equal(t, "INV-20261019-001", first)
	assert.Equal(t, first, second)

	require.NoError(t, db.Create(&models.Investor{InvestorNo: first, Name: "甲", CreatedAt: testDay}).Error)
	assert.Equal(t, "INV-20261019-002", next(t, db, s, KindInvestor))

	// 唯一索引拦截重复编号
	err := db.Create(&models.Investor{InvestorNo: first, Name: "乙", CreatedAt: testDay}).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestNewCounter(t *testing.T) {
	c, err := NewCounter("", nil)
	require.NoError(t, err)
	assert.IsType(t, &DBCounter{}, c)

	c, err = NewCounter("count", nil)
	require.NoError(t, err)
	assert.IsType(t, &CountCounter{}, c)

	_, err = NewCounter("redis", nil)
	assert.Error(t, err)

	c, err = NewCounter("redis", redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	require.NoError(t, err)
	assert.IsType(t, &RedisCounter{}, c)

	_, err = NewCounter("etcd", nil)
	assert.Error(t, err)
}

// 当天删除过记录时按最大编号续号
func TestSequencer_SeedsFromHighestIssued(t *testing.T) {
	db := testutil.OpenDB(t)
	require.NoError(t, db.Create(&[]models.Customer{
		{CustomerNo: "CUS-20261019-001", Name: "甲", CreatedAt: testDay},
		{CustomerNo: "CUS-20261019-005", Name: "乙", CreatedAt: testDay},
	}).Error)

	s := New(NewDBCounter(), WithClock(fixedClock(testDay)))
	assert.Equal(t, "CUS-20261019-006", next(t, db, s, KindCustomer))
}

func TestMaxIssued(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()

	n, err := MaxIssued(ctx, db, "investors", "investor_no", KindInvestor, testDay)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, db.Create(&[]models.Investor{
		{InvestorNo: "INV-20261019-012", Name: "甲"},
		{InvestorNo: "INV-20261019-003", Name: "乙"},
		{InvestorNo: "INV-20261020-050", Name: "丙"},
	}).Error)
	n, err = MaxIssued(ctx, db, "investors", "investor_no", KindInvestor, testDay)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestSequencer_ResyncStaleCounter(t *testing.T) {
	db := testutil.OpenDB(t)
	// 计数器落后于已落库编号
	require.NoError(t, db.Create(&models.DailySequence{Kind: "INV", Day: "20261019", Counter: 0}).Error)
	require.NoError(t, db.Create(&models.Investor{InvestorNo: "INV-20261019-001", Name: "甲", CreatedAt: testDay}).Error)

	s := New(NewDBCounter(), WithClock(fixedClock(testDay)))
	assert.Equal(t, "INV-20261019-001", next(t, db, s, KindInvestor))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return s.Resync(context.Background(), tx, KindInvestor)
	}))
	assert.Equal(t, "INV-20261019-002", next(t, db, s, KindInvestor))
}

func TestRedisCounter_Sync(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewRedisCounter(rdb)
	ctx := context.Background()
	require.NoError(t, mr.Set("seq:INV:20261019", "2"))

	require.NoError(t, c.Sync(ctx, nil, KindInvestor, testDay, 7))
	v, _ := mr.Get("seq:INV:20261019")
	assert.Equal(t, "7", v)

	// 不会调低
	require.NoError(t, c.Sync(ctx, nil, KindInvestor, testDay, 3))
	v, _ = mr.Get("seq:INV:20261019")
	assert.Equal(t, "7", v)
}

func TestRedisCounter_NextSeedsOnlyWhenMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewRedisCounter(rdb)
	ctx := context.Background()
	seeds := 0
	seed := func() (int64, error) {
		seeds++
		return 4, nil
	}

	n, err := c.Next(ctx, nil, KindCustomer, testDay, seed)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = c.Next(ctx, nil, KindCustomer, testDay, seed)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 1, seeds)
	assert.Equal(t, 48*time.Hour, mr.TTL("seq:CUS:20261019"))

	// 已存在但没有过期时间的 key 会被续期
	require.NoError(t, mr.Set("seq:INV:20261019", "9"))
	n, err = c.Next(ctx, nil, KindInvestor, testDay, seed)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 1, seeds)
	assert.Equal(t, 48*time.Hour, mr.TTL("seq:INV:20261019"))

	// 当天 key 丢失后按种子恢复
	mr.Del("seq:CUS:20261019")
	n, err = c.Next(ctx, nil, KindCustomer, testDay, func() (int64, error) { return 6, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 48*time.Hour, mr.TTL("seq:CUS:20261019"))
}

func TestRedisCounter_NextSeedError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	boom := errors.New("db down")
	_, err := NewRedisCounter(rdb).Next(context.Background(), nil, KindCustomer, testDay, func() (int64, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("seq:CUS:20261019"))
}
