package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

const (
	accounts       = 4
	initialBalance = 100
	transfers      = 20
	maxAttempts    = 10
)

// Run seeds a few accounts and moves money between them in SERIALIZABLE
// transactions, retrying whenever the server reports a conflict.
func Run(addr string) error {
	ctx := context.Background()
	// BEGIN binds a transaction to one connection, so keep exactly one.
	rdb := redis.NewClient(&redis.Options{Addr: addr, PoolSize: 1})
	defer rdb.Close()

	for i := 0; i < accounts; i++ {
		if err := rdb.Do(ctx, "SET", accountKey(i), strconv.Itoa(initialBalance)).Err(); err != nil {
			return errors.WithStack(err)
		}
	}

	for i := 0; i < transfers; i++ {
		from, to := i%accounts, (i+1)%accounts
		if err := transferWithRetry(ctx, rdb, from, to, 10); err != nil {
			return err
		}
		fmt.Printf("transfer %d: acct:%d -> acct:%d\n", i, from, to)
	}

	total := 0
	for i := 0; i < accounts; i++ {
		v, err := rdb.Do(ctx, "GET", accountKey(i)).Text()
		if err != nil {
			return errors.WithStack(err)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.WithStack(err)
		}
		total += n
	}
	fmt.Printf("total balance: %d\n", total)
	return nil
}

func accountKey(i int) string {
	return "acct:" + strconv.Itoa(i)
}

func transferWithRetry(ctx context.Context, rdb *redis.Client, from, to, amount int) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = transfer(ctx, rdb, from, to, amount)
		if err == nil || !strings.HasPrefix(err.Error(), "CONFLICT") {
			return err
		}
	}
	return err
}

func transfer(ctx context.Context, conn *redis.Client, from, to, amount int) error {
	if err := conn.Do(ctx, "BEGIN", "SERIALIZABLE").Err(); err != nil {
		return errors.WithStack(err)
	}
	fromBal, err := readBalance(ctx, conn, accountKey(from))
	if err != nil {
		_ = conn.Do(ctx, "ROLLBACK").Err()
		return err
	}
	toBal, err := readBalance(ctx, conn, accountKey(to))
	if err != nil {
		_ = conn.Do(ctx, "ROLLBACK").Err()
		return err
	}
	if err := conn.Do(ctx, "SET", accountKey(from), strconv.Itoa(fromBal-amount)).Err(); err != nil {
		_ = conn.Do(ctx, "ROLLBACK").Err()
		return errors.WithStack(err)
	}
	if err := conn.Do(ctx, "SET", accountKey(to), strconv.Itoa(toBal+amount)).Err(); err != nil {
		_ = conn.Do(ctx, "ROLLBACK").Err()
		return errors.WithStack(err)
	}
	//nolint:wrapcheck
	return conn.Do(ctx, "COMMIT").Err()
}

func readBalance(ctx context.Context, conn *redis.Client, key string) (int, error) {
	v, err := conn.Do(ctx, "GET", key).Text()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := strconv.Atoi(v)
	return n, errors.WithStack(err)
}
