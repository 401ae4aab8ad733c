package main

import (
	"github.com/dmakasi/mahudhurio/core/session"
)

type guardAction int

const (
	actionAllow guardAction = iota
	actionRedirectLogin
	actionRedirectDashboard
)

const (
	screenLogin     = "/login"
	screenDashboard = "/dashboard"
)

// screenPermissions maps each screen to the permissions that unlock it; any
// one of them suffices. Screens absent from the map are public.
var screenPermissions = map[string][]string{
	screenDashboard:  {session.PermDashboardView},
	"/students":      {session.PermStudentView},
	"/students/edit": {session.PermStudentEdit},
	"/absences":      {session.PermAbsenceView},
	"/absences/new":  {session.PermAbsenceCreate},
	"/absences/edit": {session.PermAbsenceEdit},
	"/search":        {session.PermSearchAccess},
	"/users":         {session.PermUserView},
	"/roles":         {session.PermRoleView},
}

type resolution struct {
	action     guardAction
	redirectTo string
	notice     string
}

// guard decides screen navigation the way the dashboard router does: protected
// screens demand an authenticated session, and lacking the screen's permission
// bounces back to the dashboard with a notice.
type guard struct {
	sess    session.Service
	notices chan string
}

func newGuard(sess session.Service) *guard {
	return &guard{
		sess:    sess,
		notices: make(chan string, 8),
	}
}

func (g *guard) resolve(screen string) resolution {
	perms, protected := screenPermissions[screen]
	if !protected {
		// the login screen is pointless once authenticated
		if screen == screenLogin && g.sess.IsAuthenticated() {
			return resolution{action: actionRedirectDashboard, redirectTo: screenDashboard}
		}
		return resolution{action: actionAllow}
	}

	if !g.sess.IsAuthenticated() {
		// remember the attempted screen so login can resume there
		g.sess.HandleUnauthorized(screen)
		return resolution{action: actionRedirectLogin, redirectTo: screenLogin}
	}
	if !g.sess.HasAnyPermission(perms...) {
		g.notify("You do not have permission to access this page.")
		return resolution{
			action:     actionRedirectDashboard,
			redirectTo: screenDashboard,
			notice:     "permission denied",
		}
	}
	return resolution{action: actionAllow}
}

// checkPermission gates a single action inside an allowed screen.
func (g *guard) checkPermission(perm string) bool {
	if g.sess.HasPermission(perm) {
		return true
	}
	g.notify("You do not have permission to perform this action.")
	return false
}

// notify drops the notice when nobody is draining the channel.
func (g *guard) notify(msg string) {
	select {
	case g.notices <- msg:
	default:
	}
}

func (g *guard) Notices() <-chan string {
	return g.notices
}
