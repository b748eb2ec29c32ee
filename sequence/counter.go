package sequence

import (
	"context"
	"fmt"
	"time"

	"buildsite/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBCounter 使用 daily_sequences 表的 (kind, day) 行计数
// 递增发生在调用方事务中，行锁持有到提交；事务回滚时序号一并回滚
type DBCounter struct{}

// NewDBCounter 创建数据库计数器
func NewDBCounter() *DBCounter {
	return &DBCounter{}
}

// Next 实现 Counter
func (c *DBCounter) Next(ctx context.Context, tx *gorm.DB, kind Kind, day time.Time, seed SeedFunc) (int, error) {
	key := DayKey(day)
	tx = tx.WithContext(ctx)

	res := tx.Model(&models.DailySequence{}).
		Where("kind = ? AND day = ?", string(kind), key).
		UpdateColumn("counter", gorm.Expr("counter + 1"))
	if res.Error != nil {
		return 0, res.Error
	}

	if res.RowsAffected == 0 {
		// 当天第一次发号：以已有行数为起点，并发插入时由唯一键转为递增
		existing, err := seed()
		if err != nil {
			return 0, err
		}
		row := models.DailySequence{Kind: string(kind), Day: key, Counter: int(existing) + 1}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"counter": gorm.Expr("counter + 1")}),
		}).Create(&row).Error
		if err != nil {
			return 0, err
		}
	}

	var row models.DailySequence
	if err := tx.Where("kind = ? AND day = ?", string(kind), key).First(&row).Error; err != nil {
		return 0, err
	}
	return row.Counter, nil
}

// Sync 实现 Counter；行不存在时由下一次 Next 播种
func (c *DBCounter) Sync(ctx context.Context, tx *gorm.DB, kind Kind, day time.Time, floor int64) error {
	return tx.WithContext(ctx).Model(&models.DailySequence{}).
		Where("kind = ? AND day = ? AND counter < ?", string(kind), DayKey(day), floor).
		UpdateColumn("counter", floor).Error
}

// RedisCounter 使用 Redis INCR 计数，key 为 seq:<kind>:<YYYYMMDD>
// 序号不随数据库事务回滚，可能出现空号
type RedisCounter struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCounter 创建 Redis 计数器，key 保留 48 小时
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb, keyPrefix: "seq:", ttl: 48 * time.Hour}
}

// nextScript 计数器不存在且未给出种子时返回 -1，否则按种子初始化、递增并续期
var nextScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	if ARGV[2] == '' then
		return -1
	end
	redis.call('SET', KEYS[1], ARGV[2])
end
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[1])
return n
`)

// Next 实现 Counter
// 计数器已存在时只需一次往返；缺失时查库取种子后重跑脚本，并发初始化只有一个 SET 生效
func (c *RedisCounter) Next(ctx context.Context, _ *gorm.DB, kind Kind, day time.Time, seed SeedFunc) (int, error) {
	keys := []string{c.key(kind, day)}
	ttl := int(c.ttl.Seconds())

	n, err := nextScript.Run(ctx, c.rdb, keys, ttl, "").Int64()
	if err != nil {
		return 0, fmt.Errorf("递增计数器失败: %w", err)
	}
	if n >= 0 {
		return int(n), nil
	}

	existing, err := seed()
	if err != nil {
		return 0, err
	}
	n, err = nextScript.Run(ctx, c.rdb, keys, ttl, existing).Int64()
	if err != nil {
		return 0, fmt.Errorf("初始化计数器失败: %w", err)
	}
	return int(n), nil
}

// raiseScript 仅当当前值小于 ARGV[1] 时写入
var raiseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if cur < floor then
	redis.call('SET', KEYS[1], floor, 'EX', ARGV[2])
	return floor
end
return cur
`)

// Sync 实现 Counter
func (c *RedisCounter) Sync(ctx context.Context, _ *gorm.DB, kind Kind, day time.Time, floor int64) error {
	if err := raiseScript.Run(ctx, c.rdb, []string{c.key(kind, day)}, floor, int(c.ttl.Seconds())).Err(); err != nil {
		return fmt.Errorf("校正计数器失败: %w", err)
	}
	return nil
}

func (c *RedisCounter) key(kind Kind, day time.Time) string {
	return c.keyPrefix + string(kind) + ":" + DayKey(day)
}

// CountCounter 旧版算法：当天已用序号 + 1
// 统计与插入不是原子的，并发创建会得到相同序号，只能依靠编号唯一索引 + 重试兜底
type CountCounter struct{}

// NewCountCounter 创建计数统计计数器
func NewCountCounter() *CountCounter {
	return &CountCounter{}
}

// Next 实现 Counter
func (c *CountCounter) Next(_ context.Context, _ *gorm.DB, _ Kind, _ time.Time, seed SeedFunc) (int, error) {
	n, err := seed()
	if err != nil {
		return 0, err
	}
	return int(n) + 1, nil
}

// Sync 实现 Counter，每次都重新统计，无需校正
func (c *CountCounter) Sync(context.Context, *gorm.DB, Kind, time.Time, int64) error {
	return nil
}

// NewCounter 按配置的后端创建计数器
func NewCounter(backend string, rdb *redis.Client) (Counter, error) {
	switch backend {
	case "", "database":
		return NewDBCounter(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("sequence.backend=redis 需要 Redis 连接")
		}
		return NewRedisCounter(rdb), nil
	case "count":
		return NewCountCounter(), nil
	default:
		return nil, fmt.Errorf("不支持的编号后端: %s", backend)
	}
}
