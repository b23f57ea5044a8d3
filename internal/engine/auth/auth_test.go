package auth

import (
	"testing"

	"taskloom/internal/domain"
)

func member(role string) Membership {
	return Membership{UserID: "u1", Role: role, Member: true}
}

func TestCanCreateRule(t *testing.T) {
	cases := []struct {
		m    Membership
		want bool
	}{
		{member(RoleOwner), true},
		{member(RoleEditor), true},
		{member(RoleViewer), false},
		{Membership{UserID: "u1"}, false},
	}
	for _, tc := range cases {
		if got := CanCreateRule(tc.m); got != tc.want {
			t.Errorf("CanCreateRule(%s member=%v) = %v, want %v", tc.m.Role, tc.m.Member, got, tc.want)
		}
	}
}

func TestCanManageRule(t *testing.T) {
	own := domain.AutomationRule{CreatorID: "u1"}
	other := domain.AutomationRule{CreatorID: "someone-else"}
	// viewers manage only rules they created themselves
	if !CanManageRule(own, member(RoleViewer)) {
		t.Error("creator should manage own rule")
	}
	if CanManageRule(other, member(RoleViewer)) {
		t.Error("viewer should not manage another's rule")
	}
	if !CanManageRule(other, member(RoleOwner)) {
		t.Error("owner should manage any rule")
	}
	if !CanManageRule(other, member(RoleEditor)) {
		t.Error("editor should manage any rule")
	}
	if CanManageRule(own, Membership{UserID: "u1"}) {
		t.Error("non-member should not manage anything")
	}
}

func TestCanReadRules(t *testing.T) {
	if !CanReadRules(member(RoleViewer)) {
		t.Error("any member should read rules")
	}
	if CanReadRules(Membership{UserID: "u1"}) {
		t.Error("non-member should not read rules")
	}
}

func TestValidRole(t *testing.T) {
	for _, r := range []string{RoleOwner, RoleEditor, RoleViewer} {
		if !ValidRole(r) {
			t.Errorf("role %s should be valid", r)
		}
	}
	if ValidRole("admin") {
		t.Error("unknown role accepted")
	}
}
