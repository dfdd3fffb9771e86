package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zenfast/cycle-engine/internal/core/domain"
)

var _ domain.CycleRepository = (*RedisCycleRepository)(nil)

// RedisCycleRepository keeps every multi-key, invariant-sensitive mutation
// inside one server-evaluated Lua script, so no other client interleaves
// between the guard check and the write.
//
// Key layout:
//
//	cycle:{cycleId}        hash  {id,userId,status,startDate,endDate,createdAt,updatedAt}
//	user:{userId}:active   string holding the active cycleId
//	user:{userId}:completed sorted set scored by endDate epoch-millis, member = cycleId
//
// Scripts signal guard failures as string error codes which the client
// demultiplexes into the typed domain errors.
type RedisCycleRepository struct {
	rdb *redis.Client
}

func NewRedisCycleRepository(rdb *redis.Client) *RedisCycleRepository {
	return &RedisCycleRepository{rdb: rdb}
}

const (
	codeActiveExists = "CYCLE_ACTIVE_EXISTS"
	codeNotFound     = "CYCLE_NOT_FOUND"
	codeWrongUser    = "CYCLE_WRONG_USER"
	codeInvalidState = "CYCLE_INVALID_STATE:"
	codeOverlap      = "CYCLE_OVERLAP:"
)

// createCycleScript checks the active-index key and, for an InProgress
// create, that the start does not predate the newest completed end date,
// then writes the hash and the matching index in the same atomic unit.
//
// KEYS[1] cycle hash, KEYS[2] active index, KEYS[3] completed zset
// ARGV[1..7] id, userId, status, startDate, endDate, createdAt, updatedAt
// ARGV[8] endDate epoch-millis, ARGV[9] startDate epoch-millis
var createCycleScript = redis.NewScript(`
if ARGV[3] == 'InProgress' then
    if redis.call('EXISTS', KEYS[2]) == 1 then
        return redis.error_reply('CYCLE_ACTIVE_EXISTS')
    end
    local last = redis.call('ZREVRANGE', KEYS[3], 0, 0, 'WITHSCORES')
    if last[2] ~= nil and tonumber(ARGV[9]) < tonumber(last[2]) then
        return redis.error_reply('CYCLE_OVERLAP:' .. last[2])
    end
end
redis.call('HSET', KEYS[1],
    'id', ARGV[1], 'userId', ARGV[2], 'status', ARGV[3],
    'startDate', ARGV[4], 'endDate', ARGV[5],
    'createdAt', ARGV[6], 'updatedAt', ARGV[7])
if ARGV[3] == 'InProgress' then
    redis.call('SET', KEYS[2], ARGV[1])
else
    redis.call('ZADD', KEYS[3], ARGV[8], ARGV[1])
end
return redis.status_reply('OK')
`)

// completeCycleScript verifies existence, ownership and InProgress status,
// then flips the hash, drops the active index and adds the zset entry.
// Re-completing an already-Completed cycle returns the stored hash as-is.
//
// KEYS[1] cycle hash, KEYS[2] active index, KEYS[3] completed zset
// ARGV[1] userId, ARGV[2] startDate, ARGV[3] endDate, ARGV[4] updatedAt,
// ARGV[5] endDate epoch-millis, ARGV[6] cycleId
var completeCycleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('CYCLE_NOT_FOUND')
end
if redis.call('HGET', KEYS[1], 'userId') ~= ARGV[1] then
    return redis.error_reply('CYCLE_WRONG_USER')
end
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'Completed' then
    return redis.call('HGETALL', KEYS[1])
end
if status ~= 'InProgress' then
    return redis.error_reply('CYCLE_INVALID_STATE:' .. status)
end
redis.call('HSET', KEYS[1],
    'status', 'Completed',
    'startDate', ARGV[2], 'endDate', ARGV[3], 'updatedAt', ARGV[4])
if redis.call('GET', KEYS[2]) == ARGV[6] then
    redis.call('DEL', KEYS[2])
end
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[6])
return redis.call('HGETALL', KEYS[1])
`)

// updateCycleDatesScript replaces the date range of an InProgress cycle.
//
// KEYS[1] cycle hash
// ARGV[1] userId, ARGV[2] startDate, ARGV[3] endDate, ARGV[4] updatedAt
var updateCycleDatesScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('CYCLE_NOT_FOUND')
end
if redis.call('HGET', KEYS[1], 'userId') ~= ARGV[1] then
    return redis.error_reply('CYCLE_WRONG_USER')
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'InProgress' then
    return redis.error_reply('CYCLE_INVALID_STATE:' .. status)
end
redis.call('HSET', KEYS[1], 'startDate', ARGV[2], 'endDate', ARGV[3], 'updatedAt', ARGV[4])
return redis.call('HGETALL', KEYS[1])
`)

// updateCompletedCycleDatesScript mirrors updateCycleDatesScript for
// Completed cycles and re-scores the zset entry with the new end date.
//
// KEYS[1] cycle hash, KEYS[2] completed zset
// ARGV[1] userId, ARGV[2] startDate, ARGV[3] endDate, ARGV[4] updatedAt,
// ARGV[5] endDate epoch-millis, ARGV[6] cycleId
var updateCompletedCycleDatesScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('CYCLE_NOT_FOUND')
end
if redis.call('HGET', KEYS[1], 'userId') ~= ARGV[1] then
    return redis.error_reply('CYCLE_WRONG_USER')
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'Completed' then
    return redis.error_reply('CYCLE_INVALID_STATE:' .. status)
end
redis.call('HSET', KEYS[1], 'startDate', ARGV[2], 'endDate', ARGV[3], 'updatedAt', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
return redis.call('HGETALL', KEYS[1])
`)

// deleteCycleScript removes a Completed cycle and its zset entry.
//
// KEYS[1] cycle hash, KEYS[2] completed zset
// ARGV[1] userId, ARGV[2] cycleId
var deleteCycleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return redis.error_reply('CYCLE_NOT_FOUND')
end
if redis.call('HGET', KEYS[1], 'userId') ~= ARGV[1] then
    return redis.error_reply('CYCLE_WRONG_USER')
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'Completed' then
    return redis.error_reply('CYCLE_INVALID_STATE:' .. status)
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return redis.status_reply('OK')
`)

func redisCycleKey(cycleID string) string {
	return "cycle:" + cycleID
}

func redisActiveKey(userID string) string {
	return "user:" + userID + ":active"
}

func redisCompletedKey(userID string) string {
	return "user:" + userID + ":completed"
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func cycleFromFields(fields map[string]string) (*domain.Cycle, error) {
	c := &domain.Cycle{
		ID:     fields["id"],
		UserID: fields["userId"],
		Status: domain.CycleStatus(fields["status"]),
	}

	var err error
	if c.StartDate, err = parseDate(fields["startDate"]); err != nil {
		return nil, fmt.Errorf("bad startDate %q: %w", fields["startDate"], err)
	}
	if c.EndDate, err = parseDate(fields["endDate"]); err != nil {
		return nil, fmt.Errorf("bad endDate %q: %w", fields["endDate"], err)
	}
	if c.CreatedAt, err = parseDate(fields["createdAt"]); err != nil {
		return nil, fmt.Errorf("bad createdAt %q: %w", fields["createdAt"], err)
	}
	if c.UpdatedAt, err = parseDate(fields["updatedAt"]); err != nil {
		return nil, fmt.Errorf("bad updatedAt %q: %w", fields["updatedAt"], err)
	}

	return c, nil
}

// cycleFromReply converts the flat field/value array an HGETALL inside a
// script returns into a cycle.
func cycleFromReply(reply interface{}) (*domain.Cycle, error) {
	flat, ok := reply.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("unexpected script reply %T", reply)
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, kok := flat[i].(string)
		v, vok := flat[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("unexpected script reply element at %d", i)
		}
		fields[k] = v
	}

	return cycleFromFields(fields)
}

// translateScriptErr demultiplexes a script's string error code into the
// matching typed domain error.
func translateScriptErr(err error, userID, cycleID, op string, expected domain.CycleStatus, newStart time.Time) error {
	msg := err.Error()
	switch {
	case msg == codeActiveExists:
		return &domain.AlreadyInProgressError{UserID: userID}
	case msg == codeNotFound, msg == codeWrongUser:
		return &domain.NotFoundError{UserID: userID, CycleID: cycleID}
	case strings.HasPrefix(msg, codeInvalidState):
		return &domain.InvalidStateError{
			CurrentState:  domain.CycleStatus(strings.TrimPrefix(msg, codeInvalidState)),
			ExpectedState: expected,
		}
	case strings.HasPrefix(msg, codeOverlap):
		overlapErr := &domain.OverlapError{NewStartDate: newStart}
		if millis, parseErr := strconv.ParseInt(strings.TrimPrefix(msg, codeOverlap), 10, 64); parseErr == nil {
			overlapErr.LastCompletedEndDate = time.UnixMilli(millis).UTC()
		}
		return overlapErr
	}
	return &domain.RepositoryError{Op: op, Err: err}
}

func (r *RedisCycleRepository) GetCycleByID(ctx context.Context, userID, cycleID string) (*domain.Cycle, error) {
	fields, err := r.rdb.HGetAll(ctx, redisCycleKey(cycleID)).Result()
	if err != nil {
		return nil, &domain.RepositoryError{Op: "get cycle by id", Err: err}
	}
	if len(fields) == 0 {
		return nil, &domain.NotFoundError{UserID: userID, CycleID: cycleID}
	}

	c, err := cycleFromFields(fields)
	if err != nil {
		return nil, &domain.RepositoryError{Op: "decode cycle", Err: err}
	}
	if c.UserID != userID {
		return nil, &domain.NotFoundError{UserID: userID, CycleID: cycleID}
	}

	return c, nil
}

func (r *RedisCycleRepository) GetActiveCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	cycleID, err := r.rdb.Get(ctx, redisActiveKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &domain.RepositoryError{Op: "get active index", Err: err}
	}

	return r.GetCycleByID(ctx, userID, cycleID)
}

func (r *RedisCycleRepository) GetLastCompletedCycle(ctx context.Context, userID string) (*domain.Cycle, error) {
	members, err := r.rdb.ZRevRange(ctx, redisCompletedKey(userID), 0, 0).Result()
	if err != nil {
		return nil, &domain.RepositoryError{Op: "get last completed cycle", Err: err}
	}
	if len(members) == 0 {
		return nil, nil
	}

	return r.GetCycleByID(ctx, userID, members[0])
}

func (r *RedisCycleRepository) CreateCycle(ctx context.Context, cycle *domain.Cycle) error {
	keys := []string{
		redisCycleKey(cycle.ID),
		redisActiveKey(cycle.UserID),
		redisCompletedKey(cycle.UserID),
	}
	argv := []interface{}{
		cycle.ID, cycle.UserID, string(cycle.Status),
		formatDate(cycle.StartDate), formatDate(cycle.EndDate),
		formatDate(cycle.CreatedAt), formatDate(cycle.UpdatedAt),
		cycle.EndDate.UnixMilli(), cycle.StartDate.UnixMilli(),
	}

	if err := createCycleScript.Run(ctx, r.rdb, keys, argv...).Err(); err != nil {
		return translateScriptErr(err, cycle.UserID, cycle.ID, "create cycle", domain.StatusInProgress, cycle.StartDate)
	}
	return nil
}

func (r *RedisCycleRepository) UpdateCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	keys := []string{redisCycleKey(cycleID)}
	argv := []interface{}{
		userID, formatDate(start), formatDate(end), formatDate(time.Now().UTC()),
	}

	reply, err := updateCycleDatesScript.Run(ctx, r.rdb, keys, argv...).Result()
	if err != nil {
		return nil, translateScriptErr(err, userID, cycleID, "update cycle dates", domain.StatusInProgress, start)
	}

	c, err := cycleFromReply(reply)
	if err != nil {
		return nil, &domain.RepositoryError{Op: "decode cycle", Err: err}
	}
	return c, nil
}

func (r *RedisCycleRepository) CompleteCycle(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	keys := []string{
		redisCycleKey(cycleID),
		redisActiveKey(userID),
		redisCompletedKey(userID),
	}
	argv := []interface{}{
		userID, formatDate(start), formatDate(end), formatDate(time.Now().UTC()),
		end.UnixMilli(), cycleID,
	}

	reply, err := completeCycleScript.Run(ctx, r.rdb, keys, argv...).Result()
	if err != nil {
		return nil, translateScriptErr(err, userID, cycleID, "complete cycle", domain.StatusInProgress, start)
	}

	c, err := cycleFromReply(reply)
	if err != nil {
		return nil, &domain.RepositoryError{Op: "decode cycle", Err: err}
	}
	return c, nil
}

func (r *RedisCycleRepository) UpdateCompletedCycleDates(ctx context.Context, userID, cycleID string, start, end time.Time) (*domain.Cycle, error) {
	keys := []string{redisCycleKey(cycleID), redisCompletedKey(userID)}
	argv := []interface{}{
		userID, formatDate(start), formatDate(end), formatDate(time.Now().UTC()),
		end.UnixMilli(), cycleID,
	}

	reply, err := updateCompletedCycleDatesScript.Run(ctx, r.rdb, keys, argv...).Result()
	if err != nil {
		return nil, translateScriptErr(err, userID, cycleID, "update completed cycle dates", domain.StatusCompleted, start)
	}

	c, err := cycleFromReply(reply)
	if err != nil {
		return nil, &domain.RepositoryError{Op: "decode cycle", Err: err}
	}
	return c, nil
}

func (r *RedisCycleRepository) DeleteCycle(ctx context.Context, userID, cycleID string) error {
	keys := []string{redisCycleKey(cycleID), redisCompletedKey(userID)}
	argv := []interface{}{userID, cycleID}

	if err := deleteCycleScript.Run(ctx, r.rdb, keys, argv...).Err(); err != nil {
		return translateScriptErr(err, userID, cycleID, "delete cycle", domain.StatusCompleted, time.Time{})
	}
	return nil
}
