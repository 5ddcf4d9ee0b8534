package stage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// resolveUser parses /etc/passwd under rootdir and returns the uid,
// gid and home directory for the given user spec ("name", "uid", or
// "uid:gid"/"name:group" once combined with resolveGroup).
//
// Grounded on buildah/pkg/chrootuser/user.go's GetUser, narrowed to
// the single-token user lookup; group combination is handled by the
// caller via resolveGroup, matching spec.md's separate User/Group
// fields rather than a single "user:group" spec string.
func resolveUser(rootdir, user string) (uid, gid uint32, home string, err error) {
	if user == "" {
		user = "0"
	}
	if n, convErr := strconv.ParseUint(user, 10, 32); convErr == nil {
		uid = uint32(n)
		if g, gerr := primaryGroupForUID(rootdir, uid); gerr == nil {
			gid = g
		}
		home = homeForUID(rootdir, uid)
		return uid, gid, home, nil
	}

	f, openErr := os.Open(filepath.Join(rootdir, "etc", "passwd"))
	if openErr != nil {
		return 0, 0, "", fmt.Errorf("stage: opening /etc/passwd: %w", openErr)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 6 || fields[0] != user {
			continue
		}
		uid64, _ := strconv.ParseUint(fields[2], 10, 32)
		gid64, _ := strconv.ParseUint(fields[3], 10, 32)
		return uint32(uid64), uint32(gid64), fields[5], nil
	}
	return 0, 0, "", fmt.Errorf("stage: user %q not found in /etc/passwd", user)
}

// resolveGroup parses /etc/group the same way GetGroup does in
// buildah/pkg/chrootuser/user.go.
func resolveGroup(rootdir, group string) (uint32, error) {
	if n, err := strconv.ParseUint(group, 10, 32); err == nil {
		return uint32(n), nil
	}
	f, err := os.Open(filepath.Join(rootdir, "etc", "group"))
	if err != nil {
		return 0, fmt.Errorf("stage: opening /etc/group: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 3 || fields[0] != group {
			continue
		}
		gid64, _ := strconv.ParseUint(fields[2], 10, 32)
		return uint32(gid64), nil
	}
	return 0, fmt.Errorf("stage: group %q not found in /etc/group", group)
}

// supplementaryGroupsForUID returns the gids of every /etc/group entry
// that lists username in its member list.
func supplementaryGroupsForUID(rootdir string, uid uint32) ([]uint32, error) {
	username := usernameForUID(rootdir, uid)
	if username == "" {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(rootdir, "etc", "group"))
	if err != nil {
		return nil, fmt.Errorf("stage: opening /etc/group: %w", err)
	}
	defer f.Close()

	var gids []uint32
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 {
			continue
		}
		for _, member := range strings.Split(fields[3], ",") {
			if member == username {
				if gid64, err := strconv.ParseUint(fields[2], 10, 32); err == nil {
					gids = append(gids, uint32(gid64))
				}
			}
		}
	}
	return gids, nil
}

func primaryGroupForUID(rootdir string, uid uint32) (uint32, error) {
	f, err := os.Open(filepath.Join(rootdir, "etc", "passwd"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 {
			continue
		}
		if u64, _ := strconv.ParseUint(fields[2], 10, 32); uint32(u64) == uid {
			g64, _ := strconv.ParseUint(fields[3], 10, 32)
			return uint32(g64), nil
		}
	}
	return 0, fmt.Errorf("stage: uid %d not found", uid)
}

func homeForUID(rootdir string, uid uint32) string {
	f, err := os.Open(filepath.Join(rootdir, "etc", "passwd"))
	if err != nil {
		return "/"
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 6 {
			continue
		}
		if u64, _ := strconv.ParseUint(fields[2], 10, 32); uint32(u64) == uid {
			return fields[5]
		}
	}
	return "/"
}

func usernameForUID(rootdir string, uid uint32) string {
	f, err := os.Open(filepath.Join(rootdir, "etc", "passwd"))
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 3 {
			continue
		}
		if u64, _ := strconv.ParseUint(fields[2], 10, 32); uint32(u64) == uid {
			return fields[0]
		}
	}
	return ""
}
