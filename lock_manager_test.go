package TxnDB

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockManager_SharedCompatible(t *testing.T) {
	lm := NewLockManager(0)
	defer lm.Close()

	key := []byte("row-1")
	assert.Nil(t, lm.Acquire(1, key, LockShared))
	assert.Nil(t, lm.Acquire(2, key, LockShared))
	assert.Nil(t, lm.Acquire(3, key, LockShared))

	holders := lm.Holders(key)
	assert.Equal(t, 3, len(holders))
	assert.Equal(t, LockShared, holders[1])
}

func TestLockManager_Reentrant(t *testing.T) {
	lm := NewLockManager(0)
	defer lm.Close()

	key := []byte("row-1")
	assert.Nil(t, lm.Acquire(1, key, LockExclusive))
	// 同事务的重复请求立即返回
	assert.Nil(t, lm.Acquire(1, key, LockExclusive))
	assert.Nil(t, lm.Acquire(1, key, LockShared))
	assert.Equal(t, 1, len(lm.Holders(key)))
}

func TestLockManager_ExclusiveBlocks(t *testing.T) {
	lm := NewLockManager(0)
	defer lm.Close()

	key := []byte("row-1")
	assert.Nil(t, lm.Acquire(1, key, LockExclusive))

	acquired := make(chan error, 1)
	go func() {
		acquired <- lm.Acquire(2, key, LockExclusive)
	}()

	// 排他锁被持有时请求必须阻塞
	select {
	case <-acquired:
		t.Fatal("exclusive lock granted while another txn holds it")
	case <-time.After(100 * time.Millisecond):
	}

	// 释放之后按顺序唤醒等待者
	lm.ReleaseAll(1)
	select {
	case err := <-acquired:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken up after release")
	}
	holders := lm.Holders(key)
	assert.Equal(t, LockExclusive, holders[2])
}

func TestLockManager_Upgrade(t *testing.T) {
	lm := NewLockManager(0)
	defer lm.Close()

	key := []byte("row-1")
	assert.Nil(t, lm.Acquire(1, key, LockShared))
	// 唯一持有者原地升级
	assert.Nil(t, lm.Acquire(1, key, LockExclusive))
	assert.Equal(t, LockExclusive, lm.Holders(key)[1])

	// 升级之后其他事务的共享请求必须阻塞
	acquired := make(chan error, 1)
	go func() {
		acquired <- lm.Acquire(2, key, LockShared)
	}()
	select {
	case <-acquired:
		t.Fatal("shared lock granted while exclusive is held")
	case <-time.After(100 * time.Millisecond):
	}
	lm.ReleaseAll(1)
	assert.Nil(t, <-acquired)
}

func TestLockManager_UpgradeAheadOfWaiters(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	key := []byte("row-1")
	assert.Nil(t, lm.Acquire(1, key, LockShared))
	assert.Nil(t, lm.Acquire(2, key, LockShared))

	// 普通的排他请求先排队
	t3done := make(chan error, 1)
	go func() {
		t3done <- lm.Acquire(3, key, LockExclusive)
	}()
	time.Sleep(50 * time.Millisecond)

	// 持有者的升级请求随后到达，必须排在它前面，否则互相卡死
	t1done := make(chan error, 1)
	go func() {
		t1done <- lm.Acquire(1, key, LockExclusive)
	}()
	time.Sleep(50 * time.Millisecond)

	// 另一个共享持有者退出之后升级先完成
	lm.ReleaseAll(2)
	select {
	case err := <-t1done:
		assert.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade request never completed")
	}
	assert.Equal(t, LockExclusive, lm.Holders(key)[1])

	// 升级者终止之后排队的排他请求被授权
	lm.ReleaseAll(1)
	select {
	case err := <-t3done:
		assert.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued exclusive request never completed")
	}
	assert.Equal(t, LockExclusive, lm.Holders(key)[3])
}

func TestLockManager_UpgradeDeadlock(t *testing.T) {
	lm := NewLockManager(0)
	defer lm.Close()

	key := []byte("row-1")
	assert.Nil(t, lm.Acquire(1, key, LockShared))
	assert.Nil(t, lm.Acquire(2, key, LockShared))

	// 两个共享持有者同时升级互相等待，恰好一个被选为受害者
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := lm.Acquire(1, key, LockExclusive)
		if err != nil {
			lm.ReleaseAll(1)
		}
		errCh <- err
	}()
	go func() {
		defer wg.Done()
		err := lm.Acquire(2, key, LockExclusive)
		if err != nil {
			lm.ReleaseAll(2)
		}
		errCh <- err
	}()
	wg.Wait()
	close(errCh)

	var victims, granted int
	for err := range errCh {
		if err == ErrDeadlockAbort {
			victims++
		} else if err == nil {
			granted++
		}
	}
	assert.Equal(t, 1, victims)
	assert.Equal(t, 1, granted)
}

func TestLockManager_SharedBatchWakeup(t *testing.T) {
	lm := NewLockManager(0)
	defer lm.Close()

	key := []byte("row-1")
	assert.Nil(t, lm.Acquire(1, key, LockExclusive))

	var wg sync.WaitGroup
	for i := uint64(2); i <= 4; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			assert.Nil(t, lm.Acquire(id, key, LockShared))
		}(i)
	}
	time.Sleep(100 * time.Millisecond)

	// 释放排他锁之后连续的共享请求被一起唤醒
	lm.ReleaseAll(1)
	wg.Wait()
	assert.Equal(t, 3, len(lm.Holders(key)))
}

func TestLockManager_DeadlockVictim(t *testing.T) {
	lm := NewLockManager(0)
	defer lm.Close()

	keyA, keyB := []byte("row-a"), []byte("row-b")
	assert.Nil(t, lm.Acquire(1, keyA, LockExclusive))
	assert.Nil(t, lm.Acquire(2, keyB, LockExclusive))

	// 交叉请求制造死锁，恰好一个事务被选为受害者
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := lm.Acquire(1, keyB, LockExclusive)
		if err != nil {
			lm.ReleaseAll(1)
		}
		errCh <- err
	}()
	go func() {
		defer wg.Done()
		err := lm.Acquire(2, keyA, LockExclusive)
		if err != nil {
			lm.ReleaseAll(2)
		}
		errCh <- err
	}()
	wg.Wait()
	close(errCh)

	var victims, granted int
	for err := range errCh {
		if err == ErrDeadlockAbort {
			victims++
		} else if err == nil {
			granted++
		}
	}
	assert.Equal(t, 1, victims)
	assert.Equal(t, 1, granted)
}

func TestLockManager_BackgroundDetection(t *testing.T) {
	// 后台周期检测也能发现死锁
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	keyA, keyB := []byte("row-a"), []byte("row-b")
	assert.Nil(t, lm.Acquire(1, keyA, LockExclusive))
	assert.Nil(t, lm.Acquire(2, keyB, LockExclusive))

	errCh := make(chan error, 2)
	go func() {
		err := lm.Acquire(1, keyB, LockExclusive)
		if err != nil {
			lm.ReleaseAll(1)
		}
		errCh <- err
	}()
	go func() {
		err := lm.Acquire(2, keyA, LockExclusive)
		if err != nil {
			lm.ReleaseAll(2)
		}
		errCh <- err
	}()

	var victims int
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err == ErrDeadlockAbort {
				victims++
			}
		case <-time.After(3 * time.Second):
			t.Fatal("deadlock was not resolved")
		}
	}
	assert.Equal(t, 1, victims)
}
