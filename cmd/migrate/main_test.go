package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	t.Run("按分号分割并去掉注释", func(t *testing.T) {
		sql := "-- header; ignored\nCREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT); -- trailing\n"
		stmts := splitStatements(sql)
		assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}, stmts)
	})

	t.Run("字符串中的分号不分割", func(t *testing.T) {
		stmts := splitStatements("INSERT INTO t VALUES ('a;b');SELECT 1")
		assert.Equal(t, []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"}, stmts)
	})

	t.Run("引号标识符", func(t *testing.T) {
		stmts := splitStatements("SELECT \"from\", `to` FROM messages;")
		assert.Equal(t, []string{"SELECT \"from\", `to` FROM messages"}, stmts)
	})
}

func TestLoadStatements(t *testing.T) {
	for _, dbType := range []string{"postgres", "mysql"} {
		t.Run(dbType, func(t *testing.T) {
			up, err := loadStatements(dbType, "up")
			require.NoError(t, err)
			require.Len(t, up, 2+strings.Count(strings.Join(up, "\n"), "CREATE INDEX"))
			assert.Contains(t, up[0], "CREATE TABLE IF NOT EXISTS messages")

			down, err := loadStatements(dbType, "down")
			require.NoError(t, err)
			assert.Equal(t, []string{"DROP TABLE IF EXISTS attachments", "DROP TABLE IF EXISTS messages"}, down)
		})
	}

	t.Run("未知数据库类型", func(t *testing.T) {
		_, err := loadStatements("oracle", "up")
		assert.Error(t, err)
	})

	t.Run("未知操作", func(t *testing.T) {
		_, err := loadStatements("mysql", "sideways")
		assert.Error(t, err)
	})
}
