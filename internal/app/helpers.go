// internal/app/helpers.go
package app

import "log"

func logBanner(role, dir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Printf("peerchat %s", role)
	log.Printf(" Folder      : %s", dir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("────────────────────────────────────────")
}
