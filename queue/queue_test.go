package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddItemBumpsParentCounters(t *testing.T) {
	q := New()
	parent := &Item{Type: CopyExploreDir, State: Waiting}
	parentUID := q.AddItem(parent)

	child := &Item{Type: CopyFileOrLink, State: Waiting, ParentUID: parentUID}
	q.AddItem(child)

	got, ok := q.Get(parentUID)
	require.True(t, ok)
	assert.Equal(t, 1, got.ChildCount)
	assert.Equal(t, 1, got.NotDone)
	assert.True(t, got.IsChildCounterConsistent())
}

func TestReplaceItemWithListAdjustsAncestors(t *testing.T) {
	q := New()
	root := &Item{Type: CopyExploreDir, State: Waiting}
	rootUID := q.AddItem(root)

	leaf := &Item{Type: CopyExploreDir, State: Waiting, ParentUID: rootUID}
	leafUID := q.AddItem(leaf)

	rootSnap, _ := q.Get(rootUID)
	assert.Equal(t, 1, rootSnap.ChildCount)
	assert.Equal(t, 1, rootSnap.NotDone)

	children := []*Item{
		{Type: CopyFileOrLink, State: Waiting},
		{Type: CopyFileOrLink, State: Waiting},
		{Type: CopyFileOrLink, State: Waiting},
	}
	require.NoError(t, q.ReplaceItemWithList(leafUID, children))

	leafSnap, ok := q.Get(leafUID)
	require.True(t, ok)
	assert.Equal(t, 3, leafSnap.ChildCount)
	assert.Equal(t, 3, leafSnap.NotDone)
	assert.True(t, leafSnap.IsChildCounterConsistent())

	// root counted leaf as 1 NotDone before; now leaf contributes 3, so
	// root's NotDone must grow by (3-1).
	rootSnap, ok = q.Get(rootUID)
	require.True(t, ok)
	assert.Equal(t, 1, rootSnap.ChildCount)
	assert.Equal(t, 3, rootSnap.NotDone)

	for _, c := range q.Snapshot() {
		if c.ParentUID == leafUID {
			assert.Equal(t, leafUID, c.ParentUID)
		}
	}
}

func TestUpdateStateMaintainsParentInvariant(t *testing.T) {
	q := New()
	parent := &Item{Type: CopyExploreDir, State: Waiting}
	parentUID := q.AddItem(parent)

	var childUIDs []uint64
	for i := 0; i < 4; i++ {
		childUIDs = append(childUIDs, q.AddItem(&Item{Type: CopyFileOrLink, State: Waiting, ParentUID: parentUID}))
	}

	require.NoError(t, q.UpdateState(childUIDs[0], Done, "", nil))
	require.NoError(t, q.UpdateState(childUIDs[1], Failed, "problem", nil))
	require.NoError(t, q.UpdateState(childUIDs[2], Skipped, "", nil))
	require.NoError(t, q.UpdateState(childUIDs[3], UserInputNeeded, "conflict", nil))

	got, ok := q.Get(parentUID)
	require.True(t, ok)
	assert.Equal(t, 1, got.Done_)
	assert.Equal(t, 1, got.Failed_)
	assert.Equal(t, 1, got.Skipped_)
	assert.Equal(t, 1, got.NotDone) // the UserInputNeeded child still counts as NotDone
	assert.Equal(t, 1, got.UserInputNeeded_)
	assert.True(t, got.IsChildCounterConsistent())

	uid, found := q.SearchItemWithNewError()
	require.True(t, found)
	assert.Equal(t, childUIDs[3], uid)
}

func TestSkipItemForceFailsDescendants(t *testing.T) {
	q := New()
	root := &Item{Type: CopyExploreDir, State: Waiting}
	rootUID := q.AddItem(root)
	childDir := &Item{Type: CopyExploreDir, State: Waiting, ParentUID: rootUID}
	childDirUID := q.AddItem(childDir)
	grandchild := &Item{Type: CopyFileOrLink, State: Waiting, ParentUID: childDirUID}
	grandchildUID := q.AddItem(grandchild)

	require.NoError(t, q.SkipItem(childDirUID))

	childDirSnap, _ := q.Get(childDirUID)
	assert.Equal(t, Skipped, childDirSnap.State)

	grandchildSnap, _ := q.Get(grandchildUID)
	assert.Equal(t, ForcedToFail, grandchildSnap.State)

	rootSnap, _ := q.Get(rootUID)
	assert.Equal(t, 1, rootSnap.Skipped_)
	assert.Equal(t, 0, rootSnap.NotDone)
}

func TestRetryItemReleasesForcedChildren(t *testing.T) {
	q := New()
	root := &Item{Type: CopyExploreDir, State: Waiting}
	rootUID := q.AddItem(root)
	child := &Item{Type: CopyFileOrLink, State: Waiting, ParentUID: rootUID}
	childUID := q.AddItem(child)

	require.NoError(t, q.SkipItem(rootUID))
	childSnap, _ := q.Get(childUID)
	assert.Equal(t, ForcedToFail, childSnap.State)

	require.NoError(t, q.RetryItem(rootUID))
	rootSnap, _ := q.Get(rootUID)
	assert.Equal(t, Waiting, rootSnap.State)

	childSnap, _ = q.Get(childUID)
	assert.Equal(t, Waiting, childSnap.State)

	err := q.RetryItem(rootUID)
	assert.Error(t, err)
}

func TestLockForMoreOperationsSerializesBatches(t *testing.T) {
	q := New()
	uid := q.AddItem(&Item{Type: CopyFileOrLink, State: Waiting})

	q.LockForMoreOperations()
	require.NoError(t, q.UpdateState(uid, Processing, "", nil))
	require.NoError(t, q.UpdateTgtName(uid, "renamed.txt"))
	q.UnlockMoreOperations()

	got, ok := q.Get(uid)
	require.True(t, ok)
	assert.Equal(t, Processing, got.State)
	assert.Equal(t, "renamed.txt", got.TargetName)
}

func TestGetItemUIDAndLen(t *testing.T) {
	q := New()
	a := q.AddItem(&Item{Type: CopyFileOrLink})
	b := q.AddItem(&Item{Type: CopyFileOrLink})

	assert.Equal(t, 2, q.Len())
	uid, ok := q.GetItemUID(0)
	require.True(t, ok)
	assert.Equal(t, a, uid)
	uid, ok = q.GetItemUID(1)
	require.True(t, ok)
	assert.Equal(t, b, uid)
	_, ok = q.GetItemUID(2)
	assert.False(t, ok)
}

func TestAllDone(t *testing.T) {
	q := New()
	a := q.AddItem(&Item{Type: CopyFileOrLink, State: Waiting})
	assert.False(t, q.AllDone())
	require.NoError(t, q.UpdateState(a, Done, "", nil))
	assert.True(t, q.AllDone())
}
