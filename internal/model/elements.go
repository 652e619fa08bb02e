package model

import "strings"

var elements = func() map[string]struct{} {
	const table = `H He Li Be B C N O F Ne Na Mg Al Si P S Cl Ar K Ca Sc Ti V Cr Mn Fe Co Ni Cu Zn
Ga Ge As Se Br Kr Rb Sr Y Zr Nb Mo Tc Ru Rh Pd Ag Cd In Sn Sb Te I Xe Cs Ba La Ce Pr Nd Pm Sm
Eu Gd Tb Dy Ho Er Tm Yb Lu Hf Ta W Re Os Ir Pt Au Hg Tl Pb Bi Po At Rn Fr Ra Ac Th Pa U Np Pu
Am Cm Bk Cf Es Fm Md No Lr Rf Db Sg Bh Hs Mt Ds Rg Cn Nh Fl Mc Lv Ts Og`
	m := make(map[string]struct{}, 118)
	for _, sym := range strings.Fields(table) {
		m[sym] = struct{}{}
	}
	return m
}()

// IsElement reports whether sym is a chemical element symbol, case-sensitive.
func IsElement(sym string) bool {
	_, ok := elements[sym]
	return ok
}

// SplitChemicalSystem turns "Fe-O" or "Fe O" into its element symbols.
func SplitChemicalSystem(sys string) []string {
	return strings.FieldsFunc(sys, func(r rune) bool {
		return r == '-' || r == ',' || r == ' '
	})
}
