package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestGetReadDB_RoundRobin(t *testing.T) {
	write := &gorm.DB{}
	m := &DBManager{WriteDB: write}
	assert.Same(t, write, m.GetReadDB())

	a, b := &gorm.DB{}, &gorm.DB{}
	m.ReadDBs = []*gorm.DB{a, b}
	assert.Same(t, a, m.GetReadDB())
	assert.Same(t, b, m.GetReadDB())
	assert.Same(t, a, m.GetReadDB())
}
